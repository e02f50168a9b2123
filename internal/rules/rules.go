// Package rules is the single source of truth for which lifecycle actions
// are legal from which state, and for whom.
package rules

import (
	"fmt"
	"slices"

	"trustvault/internal/domain"
)

// Request describes one attempted action. Milestone is empty for
// contract-level actions.
type Request struct {
	Contract     domain.ContractStatus
	Milestone    domain.MilestoneStatus
	Role         domain.Role
	Action       domain.Action
	DisputeLevel int
}

// Transition is the outcome of an allowed request.
type Transition struct {
	Contract              domain.ContractStatus
	Milestone             domain.MilestoneStatus
	RequiresAuthorization bool
	// Spawns is set when the action produces a new contract instead of
	// changing the current one.
	Spawns bool
}

type rule struct {
	action    domain.Action
	contract  []domain.ContractStatus
	milestone []domain.MilestoneStatus
	roles     []domain.Role
	level     int
	next      domain.ContractStatus
	nextMS    domain.MilestoneStatus
	auth      bool
	spawns    bool
}

var (
	client     = []domain.Role{domain.RoleClient}
	freelancer = []domain.Role{domain.RoleFreelancer}
	parties    = []domain.Role{domain.RoleClient, domain.RoleFreelancer}
	arbiter    = []domain.Role{domain.RoleArbiter}
	running    = []domain.ContractStatus{domain.ContractActive, domain.ContractDisputed}
)

var table = []rule{
	{action: domain.ActionEditTerms, contract: []domain.ContractStatus{domain.ContractDraft}, roles: parties, next: domain.ContractDraft},
	{action: domain.ActionSendInvitation, contract: []domain.ContractStatus{domain.ContractDraft}, roles: client, next: domain.ContractInvited},
	{action: domain.ActionSubmitProposal, contract: []domain.ContractStatus{domain.ContractDraft}, roles: freelancer, next: domain.ContractPending},

	{action: domain.ActionAccept, contract: []domain.ContractStatus{domain.ContractInvited}, roles: freelancer, next: domain.ContractActive, auth: true},
	{action: domain.ActionReject, contract: []domain.ContractStatus{domain.ContractInvited}, roles: freelancer, next: domain.ContractRejected},
	{action: domain.ActionProposeChanges, contract: []domain.ContractStatus{domain.ContractInvited}, roles: parties, next: domain.ContractInvited, spawns: true},

	{action: domain.ActionApproveAndFund, contract: []domain.ContractStatus{domain.ContractPending}, roles: client, next: domain.ContractActive, auth: true},
	{action: domain.ActionReject, contract: []domain.ContractStatus{domain.ContractPending}, roles: client, next: domain.ContractRejected},
	{action: domain.ActionProposeChanges, contract: []domain.ContractStatus{domain.ContractPending}, roles: parties, next: domain.ContractPending, spawns: true},

	{action: domain.ActionRefundContract, contract: running, roles: arbiter, next: domain.ContractRejected},

	{action: domain.ActionFundEscrow, contract: running, roles: client, auth: true,
		milestone: []domain.MilestoneStatus{domain.MilestoneDraft, domain.MilestonePending}, nextMS: domain.MilestoneFunded},
	{action: domain.ActionStartWork, contract: running, roles: freelancer,
		milestone: []domain.MilestoneStatus{domain.MilestoneFunded}, nextMS: domain.MilestoneInProgress},
	{action: domain.ActionSubmitWork, contract: running, roles: freelancer,
		milestone: []domain.MilestoneStatus{domain.MilestoneFunded, domain.MilestoneInProgress}, nextMS: domain.MilestoneSubmitted},
	{action: domain.ActionApprove, contract: running, roles: client, auth: true,
		milestone: []domain.MilestoneStatus{domain.MilestoneSubmitted}, nextMS: domain.MilestonePaid},
	{action: domain.ActionRaiseDispute, contract: running, roles: client,
		milestone: []domain.MilestoneStatus{domain.MilestoneSubmitted}, next: domain.ContractDisputed, nextMS: domain.MilestoneDisputed},

	{action: domain.ActionResolveRelease, contract: running, roles: []domain.Role{domain.RoleClient, domain.RoleArbiter}, level: domain.DisputeLevelAutomated, auth: true,
		milestone: []domain.MilestoneStatus{domain.MilestoneDisputed}, nextMS: domain.MilestonePaid},
	{action: domain.ActionResolveRefund, contract: running, roles: []domain.Role{domain.RoleFreelancer, domain.RoleArbiter}, level: domain.DisputeLevelAutomated,
		milestone: []domain.MilestoneStatus{domain.MilestoneDisputed}, nextMS: domain.MilestoneRejected},
	{action: domain.ActionEscalate, contract: running, roles: []domain.Role{domain.RoleClient, domain.RoleFreelancer, domain.RoleArbiter}, level: domain.DisputeLevelAutomated,
		milestone: []domain.MilestoneStatus{domain.MilestoneDisputed}, nextMS: domain.MilestoneDisputed},
	{action: domain.ActionResolveRelease, contract: running, roles: arbiter, level: domain.DisputeLevelArbitration, auth: true,
		milestone: []domain.MilestoneStatus{domain.MilestoneDisputed}, nextMS: domain.MilestonePaid},
	{action: domain.ActionResolveRefund, contract: running, roles: arbiter, level: domain.DisputeLevelArbitration,
		milestone: []domain.MilestoneStatus{domain.MilestoneDisputed}, nextMS: domain.MilestoneRejected},
}

func (r rule) milestoneLevel() bool { return r.milestone != nil }

func (r rule) stateMatches(req Request) bool {
	if !slices.Contains(r.contract, req.Contract) {
		return false
	}
	if r.milestoneLevel() != (req.Milestone != "") {
		return false
	}
	if r.milestoneLevel() && !slices.Contains(r.milestone, req.Milestone) {
		return false
	}
	if r.level != 0 && r.level != req.DisputeLevel {
		return false
	}
	return true
}

// Evaluate returns the transition for req or an InvalidTransitionError.
// Milestone-level transitions report the current contract status unless the
// rule fixes it; the caller derives the final contract status afterwards.
func Evaluate(req Request) (Transition, error) {
	reject := func(reason string) error {
		return &domain.InvalidTransitionError{
			Action:          req.Action,
			ContractStatus:  req.Contract,
			MilestoneStatus: req.Milestone,
			Role:            req.Role,
			Reason:          reason,
		}
	}
	if req.Contract.Terminal() {
		return Transition{}, reject(fmt.Sprintf("contract is %s", req.Contract))
	}
	known := false
	var roles []domain.Role
	for _, r := range table {
		if r.action != req.Action {
			continue
		}
		known = true
		if !r.stateMatches(req) {
			continue
		}
		if !slices.Contains(r.roles, req.Role) {
			roles = append(roles, r.roles...)
			continue
		}
		t := Transition{
			Contract:              r.next,
			Milestone:             r.nextMS,
			RequiresAuthorization: r.auth,
			Spawns:                r.spawns,
		}
		if t.Contract == "" {
			t.Contract = req.Contract
		}
		return t, nil
	}
	switch {
	case !known:
		return Transition{}, reject("unknown action")
	case len(roles) > 0:
		return Transition{}, reject(fmt.Sprintf("only %s may do this", joinRoles(roles)))
	}
	return Transition{}, reject("not allowed from the current state")
}

func joinRoles(roles []domain.Role) string {
	var uniq []domain.Role
	for _, r := range roles {
		if !slices.Contains(uniq, r) {
			uniq = append(uniq, r)
		}
	}
	out := ""
	for i, r := range uniq {
		switch {
		case i == 0:
		case i == len(uniq)-1:
			out += " or "
		default:
			out += ", "
		}
		out += string(r)
	}
	return out
}

// Allowed lists the actions role may take now, in table order. An empty
// milestone status lists contract-level actions.
func Allowed(contract domain.ContractStatus, milestone domain.MilestoneStatus, role domain.Role, disputeLevel int) []domain.Action {
	req := Request{Contract: contract, Milestone: milestone, Role: role, DisputeLevel: disputeLevel}
	if contract.Terminal() {
		return nil
	}
	var out []domain.Action
	for _, r := range table {
		if !r.stateMatches(req) || !slices.Contains(r.roles, role) {
			continue
		}
		if !slices.Contains(out, r.action) {
			out = append(out, r.action)
		}
	}
	return out
}

// DeriveContractStatus applies the status cascade of a running contract:
// any disputed milestone keeps it disputed, all settled milestones complete
// it, anything else leaves it active. Other statuses are returned unchanged.
func DeriveContractStatus(c domain.Contract) domain.ContractStatus {
	if c.Status != domain.ContractActive && c.Status != domain.ContractDisputed {
		return c.Status
	}
	switch {
	case domain.HasDisputed(c):
		return domain.ContractDisputed
	case domain.AllSettled(c):
		return domain.ContractCompleted
	}
	return domain.ContractActive
}
