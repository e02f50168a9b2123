package lifecycle

import (
	"sort"
	"strings"
	"time"

	"trustvault/internal/domain"
	"trustvault/internal/escrow"
)

// FundMilestone moves the milestone amount into escrow.
func FundMilestone(c domain.Contract, actor domain.Actor, milestoneID, authorization string, now time.Time) (Result, error) {
	idx, t, err := milestoneStep(c, actor, milestoneID, domain.ActionFundEscrow)
	if err != nil {
		return Result{}, err
	}
	if err := requireAuthorization(t, c, domain.ActionFundEscrow, authorization); err != nil {
		return Result{}, err
	}
	d, err := escrow.Fund(c, c.Milestones[idx])
	if err != nil {
		return Result{}, err
	}
	ch := begin(c, actor, now)
	ch.c.Milestones[idx].Status = t.Milestone
	ch.move(d)
	ch.event("milestone.funded", milestoneID, map[string]any{"amount": d.Amount, "escrow_balance": ch.c.EscrowBalance})
	ch.settle(t)
	return ch.done(), nil
}

func StartWork(c domain.Contract, actor domain.Actor, milestoneID string, now time.Time) (Result, error) {
	idx, t, err := milestoneStep(c, actor, milestoneID, domain.ActionStartWork)
	if err != nil {
		return Result{}, err
	}
	ch := begin(c, actor, now)
	ch.c.Milestones[idx].Status = t.Milestone
	ch.event("milestone.started", milestoneID, nil)
	ch.settle(t)
	return ch.done(), nil
}

// SubmitWork attaches evidence to every deliverable. Evidence is keyed by
// deliverable id; all deliverables need a non-blank value.
func SubmitWork(c domain.Contract, actor domain.Actor, milestoneID string, evidence map[string]string, now time.Time) (Result, error) {
	idx, t, err := milestoneStep(c, actor, milestoneID, domain.ActionSubmitWork)
	if err != nil {
		return Result{}, err
	}
	m := c.Milestones[idx]
	known := make(map[string]bool, len(m.Deliverables))
	var missing []string
	for _, d := range m.Deliverables {
		known[d.ID] = true
		if strings.TrimSpace(evidence[d.ID]) == "" {
			missing = append(missing, d.ID)
		}
	}
	var unknown []string
	for id := range evidence {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Result{}, domain.Invalid("milestone %s has no deliverables %s", milestoneID, strings.Join(unknown, ", "))
	}
	if len(missing) > 0 {
		return Result{}, &domain.IncompleteEvidenceError{MilestoneID: milestoneID, Missing: missing}
	}
	ch := begin(c, actor, now)
	cm := &ch.c.Milestones[idx]
	for i := range cm.Deliverables {
		cm.Deliverables[i].Evidence = strings.TrimSpace(evidence[cm.Deliverables[i].ID])
		cm.Deliverables[i].VerificationStatus = domain.VerificationPending
		cm.Deliverables[i].VerificationNote = ""
	}
	cm.Status = t.Milestone
	cm.SubmittedAt = ch.ts
	ch.event("milestone.submitted", milestoneID, map[string]any{"deliverables": len(cm.Deliverables)})
	ch.settle(t)
	return ch.done(), nil
}

// ApproveMilestone releases the escrowed amount to the freelancer.
func ApproveMilestone(c domain.Contract, actor domain.Actor, milestoneID, authorization string, now time.Time) (Result, error) {
	idx, t, err := milestoneStep(c, actor, milestoneID, domain.ActionApprove)
	if err != nil {
		return Result{}, err
	}
	if err := requireAuthorization(t, c, domain.ActionApprove, authorization); err != nil {
		return Result{}, err
	}
	return release(c, actor, idx, t, "milestone.paid", now)
}
