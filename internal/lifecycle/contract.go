package lifecycle

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"trustvault/internal/domain"
	"trustvault/internal/escrow"
)

// CreateDraft opens an empty draft between creator and counterparty.
func CreateDraft(id, title string, creator domain.Actor, counterpartyID string, now time.Time) (Result, error) {
	var problems []string
	if strings.TrimSpace(id) == "" {
		problems = append(problems, "contract id is required")
	}
	if strings.TrimSpace(title) == "" {
		problems = append(problems, "title is required")
	}
	if creator.ID == "" || counterpartyID == "" {
		problems = append(problems, "both counterparties are required")
	} else if creator.ID == counterpartyID {
		problems = append(problems, "counterparty must differ from creator")
	}
	if creator.Role != domain.RoleClient && creator.Role != domain.RoleFreelancer {
		problems = append(problems, fmt.Sprintf("creator role must be client or freelancer (got %q)", creator.Role))
	}
	if len(problems) > 0 {
		return Result{}, &domain.ValidationError{Problems: problems}
	}
	ts := domain.Timestamp(now)
	c := domain.Contract{
		ID:         id,
		Title:      strings.TrimSpace(title),
		CreatedBy:  creator.Role,
		Status:     domain.ContractDraft,
		Milestones: []domain.Milestone{},
		CreatedAt:  ts,
	}
	if creator.Role == domain.RoleClient {
		c.ClientID, c.FreelancerID = creator.ID, counterpartyID
	} else {
		c.ClientID, c.FreelancerID = counterpartyID, creator.ID
	}
	ch := begin(c, creator, now)
	ch.event("contract.created", "", map[string]any{"title": c.Title, "client_id": c.ClientID, "freelancer_id": c.FreelancerID})
	return ch.done(), nil
}

// nextMilestoneID returns the first free id of the form m<n>.
func nextMilestoneID(taken func(string) bool, n int) string {
	for ; ; n++ {
		if id := fmt.Sprintf("m%d", n); !taken(id) {
			return id
		}
	}
}

// AddMilestone appends a draft milestone. Completeness is not checked until
// the contract is proposed.
func AddMilestone(c domain.Contract, actor domain.Actor, spec domain.MilestoneSpec, now time.Time) (Result, error) {
	if _, err := contractStep(c, actor, domain.ActionEditTerms); err != nil {
		return Result{}, err
	}
	id := nextMilestoneID(func(id string) bool { _, ok := c.Milestone(id); return ok }, len(c.Milestones)+1)
	m, err := domain.NewMilestone(id, spec)
	if err != nil {
		return Result{}, err
	}
	ch := begin(c, actor, now)
	ch.c.Milestones = append(ch.c.Milestones, m)
	if ch.c.TotalValue, err = domain.TotalValue(ch.c); err != nil {
		return Result{}, err
	}
	ch.event("milestone.added", m.ID, map[string]any{"amount": m.Amount, "title": m.Title})
	return ch.done(), nil
}

// EditMilestone replaces the terms of a draft milestone and bumps its version.
func EditMilestone(c domain.Contract, actor domain.Actor, milestoneID string, spec domain.MilestoneSpec, now time.Time) (Result, error) {
	if _, err := contractStep(c, actor, domain.ActionEditTerms); err != nil {
		return Result{}, err
	}
	idx, ok := c.Milestone(milestoneID)
	if !ok {
		return Result{}, fmt.Errorf("milestone %s on contract %s: %w", milestoneID, c.ID, domain.ErrNotFound)
	}
	m, err := domain.NewMilestone(milestoneID, spec)
	if err != nil {
		return Result{}, err
	}
	old := c.Milestones[idx]
	m.Version = old.Version + 1
	m.Status = old.Status
	ch := begin(c, actor, now)
	ch.c.Milestones[idx] = m
	if ch.c.TotalValue, err = domain.TotalValue(ch.c); err != nil {
		return Result{}, err
	}
	ch.event("milestone.edited", m.ID, map[string]any{"version": m.Version, "amount": m.Amount})
	return ch.done(), nil
}

// SubmitProposal sends a complete draft to the counterparty: a client
// invites, a freelancer proposes.
func SubmitProposal(c domain.Contract, actor domain.Actor, now time.Time) (Result, error) {
	role, err := ResolveRole(c, actor, domain.ActionSubmitProposal)
	if err != nil {
		return Result{}, err
	}
	action := domain.ActionSubmitProposal
	if role == domain.RoleClient {
		action = domain.ActionSendInvitation
	}
	t, err := contractStep(c, domain.Actor{ID: actor.ID, Role: role}, action)
	if err != nil {
		return Result{}, err
	}
	var problems []string
	if len(c.Milestones) == 0 {
		problems = append(problems, "contract needs at least one milestone")
	}
	for i, m := range c.Milestones {
		problems = append(problems, domain.MilestoneProblems(i+1, m)...)
	}
	if len(problems) > 0 {
		return Result{}, &domain.ValidationError{Problems: problems}
	}
	ch := begin(c, actor, now)
	ch.c.Status = t.Contract
	for i := range ch.c.Milestones {
		ch.c.Milestones[i].Status = domain.MilestonePending
	}
	typ := "contract.proposed"
	if t.Contract == domain.ContractInvited {
		typ = "contract.invited"
	}
	ch.event(typ, "", map[string]any{"total_value": ch.c.TotalValue, "milestones": len(ch.c.Milestones)})
	return ch.done(), nil
}

// Respond applies the recipient's decision on an invited or pending
// contract. propose-changes returns a new draft under newID and leaves c as
// it is.
func Respond(c domain.Contract, actor domain.Actor, decision domain.Decision, authorization, newID string, now time.Time) (Result, error) {
	switch decision {
	case domain.DecisionProposeChanges:
		return ModifyProposal(c, actor, nil, newID, now)
	case domain.DecisionReject:
		t, err := contractStep(c, actor, domain.ActionReject)
		if err != nil {
			return Result{}, err
		}
		ch := begin(c, actor, now)
		ch.c.Status = t.Contract
		ch.event("contract.rejected", "", nil)
		return ch.done(), nil
	case domain.DecisionAccept:
		action := domain.ActionAccept
		if c.Status == domain.ContractPending {
			action = domain.ActionApproveAndFund
		}
		t, err := contractStep(c, actor, action)
		if err != nil {
			return Result{}, err
		}
		if err := requireAuthorization(t, c, action, authorization); err != nil {
			return Result{}, err
		}
		ch := begin(c, actor, now)
		ch.c.Status = t.Contract
		ch.event("contract.accepted", "", map[string]any{"action": action})
		return ch.done(), nil
	}
	return Result{}, domain.Invalid("unknown decision %q", decision)
}

// ModifyProposal builds a superseding draft. Specs whose ID matches a
// milestone of c carry that milestone forward at version+1; a nil specs
// slice carries every milestone forward unchanged apart from the version.
func ModifyProposal(c domain.Contract, actor domain.Actor, specs []domain.MilestoneSpec, newID string, now time.Time) (Result, error) {
	role, err := ResolveRole(c, actor, domain.ActionProposeChanges)
	if err != nil {
		return Result{}, err
	}
	if _, err := contractStep(c, domain.Actor{ID: actor.ID, Role: role}, domain.ActionProposeChanges); err != nil {
		return Result{}, err
	}
	if newID == "" || newID == c.ID {
		return Result{}, domain.Invalid("superseding contract needs a fresh id")
	}
	if specs == nil {
		for _, m := range c.Milestones {
			specs = append(specs, m.Spec())
		}
	}
	if len(specs) == 0 {
		return Result{}, domain.Invalid("a revised proposal needs at least one milestone")
	}
	var used []string
	taken := func(id string) bool {
		_, inSource := c.Milestone(id)
		return inSource || slices.Contains(used, id)
	}
	milestones := make([]domain.Milestone, 0, len(specs))
	for _, spec := range specs {
		if slices.Contains(used, spec.ID) {
			return Result{}, domain.Invalid("milestone %s listed twice", spec.ID)
		}
		srcIdx, carried := c.Milestone(spec.ID)
		id := spec.ID
		if !carried || id == "" {
			id = nextMilestoneID(taken, len(c.Milestones)+len(milestones)+1)
		}
		m, err := domain.NewMilestone(id, spec)
		if err != nil {
			return Result{}, err
		}
		if carried && spec.ID != "" {
			m.Version = c.Milestones[srcIdx].Version + 1
		}
		used = append(used, id)
		milestones = append(milestones, m)
	}
	ts := domain.Timestamp(now)
	next := domain.Contract{
		ID:           newID,
		Title:        c.Title,
		ClientID:     c.ClientID,
		FreelancerID: c.FreelancerID,
		CreatedBy:    role,
		Status:       domain.ContractDraft,
		Milestones:   milestones,
		SupersedesID: c.ID,
		CreatedAt:    ts,
	}
	total, err := domain.TotalValue(next)
	if err != nil {
		return Result{}, err
	}
	next.TotalValue = total
	ch := begin(next, actor, now)
	ch.event("contract.revised", "", map[string]any{"supersedes_id": c.ID, "total_value": next.TotalValue})
	return ch.done(), nil
}

// RefundContract winds down a running contract: every held amount goes back
// to the client and all unsettled milestones are rejected.
func RefundContract(c domain.Contract, actor domain.Actor, now time.Time) (Result, error) {
	t, err := contractStep(c, actor, domain.ActionRefundContract)
	if err != nil {
		return Result{}, err
	}
	ch := begin(c, actor, now)
	var refunded int64
	for _, d := range escrow.RefundAll(ch.c) {
		ch.move(d)
		refunded -= d.Amount
	}
	for i, m := range ch.c.Milestones {
		if !m.Status.Settled() && m.Status != domain.MilestoneRejected {
			ch.c.Milestones[i].Status = domain.MilestoneRejected
		}
	}
	ch.c.Status = t.Contract
	ch.event("contract.refunded", "", map[string]any{"refunded": refunded})
	return ch.done(), nil
}
