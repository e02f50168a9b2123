package rules

import (
	"errors"
	"slices"
	"testing"

	"trustvault/internal/domain"
)

func TestContractLevelTransitions(t *testing.T) {
	cases := []struct {
		from   domain.ContractStatus
		role   domain.Role
		action domain.Action
		to     domain.ContractStatus
		auth   bool
	}{
		{domain.ContractDraft, domain.RoleClient, domain.ActionSendInvitation, domain.ContractInvited, false},
		{domain.ContractDraft, domain.RoleFreelancer, domain.ActionSubmitProposal, domain.ContractPending, false},
		{domain.ContractInvited, domain.RoleFreelancer, domain.ActionAccept, domain.ContractActive, true},
		{domain.ContractInvited, domain.RoleFreelancer, domain.ActionReject, domain.ContractRejected, false},
		{domain.ContractPending, domain.RoleClient, domain.ActionApproveAndFund, domain.ContractActive, true},
		{domain.ContractPending, domain.RoleClient, domain.ActionReject, domain.ContractRejected, false},
		{domain.ContractActive, domain.RoleArbiter, domain.ActionRefundContract, domain.ContractRejected, false},
	}
	for _, tc := range cases {
		got, err := Evaluate(Request{Contract: tc.from, Role: tc.role, Action: tc.action})
		if err != nil {
			t.Fatalf("%s %s from %s: %v", tc.role, tc.action, tc.from, err)
		}
		if got.Contract != tc.to || got.RequiresAuthorization != tc.auth {
			t.Fatalf("%s from %s: got %+v", tc.action, tc.from, got)
		}
	}
}

func TestProposeChangesSpawnsAndLeavesStatus(t *testing.T) {
	for _, from := range []domain.ContractStatus{domain.ContractInvited, domain.ContractPending} {
		for _, role := range []domain.Role{domain.RoleClient, domain.RoleFreelancer} {
			got, err := Evaluate(Request{Contract: from, Role: role, Action: domain.ActionProposeChanges})
			if err != nil {
				t.Fatalf("propose-changes by %s from %s: %v", role, from, err)
			}
			if !got.Spawns || got.Contract != from {
				t.Fatalf("unexpected transition %+v", got)
			}
		}
	}
}

func TestFundByFreelancerAlwaysRejected(t *testing.T) {
	contracts := []domain.ContractStatus{domain.ContractDraft, domain.ContractPending, domain.ContractInvited,
		domain.ContractActive, domain.ContractCompleted, domain.ContractDisputed, domain.ContractRejected}
	milestones := []domain.MilestoneStatus{domain.MilestoneDraft, domain.MilestonePending, domain.MilestoneFunded, domain.MilestoneSubmitted}
	for _, cs := range contracts {
		for _, ms := range milestones {
			_, err := Evaluate(Request{Contract: cs, Milestone: ms, Role: domain.RoleFreelancer, Action: domain.ActionFundEscrow})
			var terr *domain.InvalidTransitionError
			if !errors.As(err, &terr) {
				t.Fatalf("fund by freelancer in %s/%s: expected invalid transition, got %v", cs, ms, err)
			}
		}
	}
}

func TestRoleRejectionNamesRequiredRole(t *testing.T) {
	_, err := Evaluate(Request{Contract: domain.ContractActive, Milestone: domain.MilestoneSubmitted, Role: domain.RoleFreelancer, Action: domain.ActionApprove})
	var terr *domain.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if terr.Reason != "only client may do this" {
		t.Fatalf("unexpected reason %q", terr.Reason)
	}
	if terr.MilestoneStatus != domain.MilestoneSubmitted || terr.Role != domain.RoleFreelancer {
		t.Fatalf("diagnostics missing: %+v", terr)
	}
}

func TestTerminalContractsReject(t *testing.T) {
	for _, cs := range []domain.ContractStatus{domain.ContractCompleted, domain.ContractRejected} {
		if _, err := Evaluate(Request{Contract: cs, Role: domain.RoleFreelancer, Action: domain.ActionAccept}); err == nil {
			t.Fatalf("%s should be terminal", cs)
		}
		if got := Allowed(cs, "", domain.RoleClient, 0); len(got) != 0 {
			t.Fatalf("terminal contract lists actions: %v", got)
		}
	}
}

func TestMilestoneFlow(t *testing.T) {
	steps := []struct {
		from   domain.MilestoneStatus
		role   domain.Role
		action domain.Action
		to     domain.MilestoneStatus
	}{
		{domain.MilestonePending, domain.RoleClient, domain.ActionFundEscrow, domain.MilestoneFunded},
		{domain.MilestoneFunded, domain.RoleFreelancer, domain.ActionStartWork, domain.MilestoneInProgress},
		{domain.MilestoneInProgress, domain.RoleFreelancer, domain.ActionSubmitWork, domain.MilestoneSubmitted},
		{domain.MilestoneFunded, domain.RoleFreelancer, domain.ActionSubmitWork, domain.MilestoneSubmitted},
		{domain.MilestoneSubmitted, domain.RoleClient, domain.ActionApprove, domain.MilestonePaid},
		{domain.MilestoneSubmitted, domain.RoleClient, domain.ActionRaiseDispute, domain.MilestoneDisputed},
	}
	for _, s := range steps {
		got, err := Evaluate(Request{Contract: domain.ContractActive, Milestone: s.from, Role: s.role, Action: s.action})
		if err != nil {
			t.Fatalf("%s from %s: %v", s.action, s.from, err)
		}
		if got.Milestone != s.to {
			t.Fatalf("%s from %s: got %s want %s", s.action, s.from, got.Milestone, s.to)
		}
	}
	if _, err := Evaluate(Request{Contract: domain.ContractActive, Milestone: domain.MilestonePaid, Role: domain.RoleClient, Action: domain.ActionApprove}); err == nil {
		t.Fatalf("approving a paid milestone must fail")
	}
	if _, err := Evaluate(Request{Contract: domain.ContractPending, Milestone: domain.MilestonePending, Role: domain.RoleClient, Action: domain.ActionFundEscrow}); err == nil {
		t.Fatalf("funding before the contract is active must fail")
	}
}

func TestDisputeLevels(t *testing.T) {
	base := Request{Contract: domain.ContractDisputed, Milestone: domain.MilestoneDisputed}

	req := base
	req.Role, req.Action, req.DisputeLevel = domain.RoleFreelancer, domain.ActionEscalate, 1
	if _, err := Evaluate(req); err != nil {
		t.Fatalf("escalate at level 1: %v", err)
	}
	req.DisputeLevel = 2
	if _, err := Evaluate(req); err == nil {
		t.Fatalf("escalate at level 2 must fail")
	}

	req = base
	req.Role, req.Action, req.DisputeLevel = domain.RoleClient, domain.ActionResolveRelease, 2
	if _, err := Evaluate(req); err == nil {
		t.Fatalf("client cannot release at level 2")
	}
	req.Role = domain.RoleArbiter
	got, err := Evaluate(req)
	if err != nil || got.Milestone != domain.MilestonePaid || !got.RequiresAuthorization {
		t.Fatalf("arbiter release at level 2: %+v %v", got, err)
	}
}

func TestAllowed(t *testing.T) {
	got := Allowed(domain.ContractPending, "", domain.RoleClient, 0)
	want := []domain.Action{domain.ActionApproveAndFund, domain.ActionReject, domain.ActionProposeChanges}
	if !slices.Equal(got, want) {
		t.Fatalf("Allowed = %v, want %v", got, want)
	}
	got = Allowed(domain.ContractActive, domain.MilestoneFunded, domain.RoleFreelancer, 0)
	want = []domain.Action{domain.ActionStartWork, domain.ActionSubmitWork}
	if !slices.Equal(got, want) {
		t.Fatalf("Allowed = %v, want %v", got, want)
	}
}

func TestDeriveContractStatus(t *testing.T) {
	c := domain.Contract{Status: domain.ContractActive, Milestones: []domain.Milestone{
		{ID: "m1", Status: domain.MilestonePaid},
		{ID: "m2", Status: domain.MilestoneDisputed},
	}}
	if got := DeriveContractStatus(c); got != domain.ContractDisputed {
		t.Fatalf("got %s", got)
	}
	c.Milestones[1].Status = domain.MilestoneCompleted
	if got := DeriveContractStatus(c); got != domain.ContractCompleted {
		t.Fatalf("got %s", got)
	}
	c.Milestones[1].Status = domain.MilestoneRejected
	if got := DeriveContractStatus(c); got != domain.ContractActive {
		t.Fatalf("got %s", got)
	}
	c.Status = domain.ContractPending
	if got := DeriveContractStatus(c); got != domain.ContractPending {
		t.Fatalf("non-running contract changed: %s", got)
	}
	if got := DeriveContractStatus(domain.Contract{Status: domain.ContractActive}); got != domain.ContractActive {
		t.Fatalf("empty contract must not complete: %s", got)
	}
}
