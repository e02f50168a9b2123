package domain

import (
	"errors"
	"math"
	"testing"
)

func sampleSpec() MilestoneSpec {
	return MilestoneSpec{
		Title:              "Landing page",
		Description:        "Responsive marketing page",
		Amount:             30000,
		Deadline:           "2024-04-01",
		Deliverables:       []Deliverable{{Description: "Source", Type: DeliverableLink}, {Description: "Build"}},
		AcceptanceCriteria: []string{"Lighthouse > 90", " ", "Mobile layout"},
	}
}

func TestNewMilestoneRejectsNegativeAmount(t *testing.T) {
	spec := sampleSpec()
	spec.Amount = -1
	_, err := NewMilestone("m1", spec)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewMilestoneDefaults(t *testing.T) {
	m, err := NewMilestone("m1", sampleSpec())
	if err != nil {
		t.Fatalf("new milestone: %v", err)
	}
	if m.Version != 1 || m.Status != MilestoneDraft {
		t.Fatalf("unexpected defaults: version=%d status=%s", m.Version, m.Status)
	}
	if m.Deliverables[0].ID != "m1-d1" || m.Deliverables[1].Type != DeliverableAny {
		t.Fatalf("deliverable defaults not applied: %+v", m.Deliverables)
	}
	if len(m.AcceptanceCriteria) != 2 {
		t.Fatalf("blank criteria should be dropped: %v", m.AcceptanceCriteria)
	}
}

func TestNewMilestoneRejectsBadDeadline(t *testing.T) {
	spec := sampleSpec()
	spec.Deadline = "next week"
	if _, err := NewMilestone("m1", spec); err == nil {
		t.Fatalf("expected deadline error")
	}
}

func TestMilestoneProblems(t *testing.T) {
	m, err := NewMilestone("m1", MilestoneSpec{})
	if err != nil {
		t.Fatalf("empty spec is structurally valid: %v", err)
	}
	problems := MilestoneProblems(2, m)
	if len(problems) != 5 {
		t.Fatalf("expected 5 problems, got %v", problems)
	}
	if problems[0] != "Milestone 2: Missing Title" {
		t.Fatalf("unexpected message %q", problems[0])
	}
	full, _ := NewMilestone("m1", sampleSpec())
	if !IsComplete(full) {
		t.Fatalf("sample should be complete: %v", MilestoneProblems(1, full))
	}
}

func TestMilestoneQuality(t *testing.T) {
	m, _ := NewMilestone("m1", sampleSpec())
	if got := MilestoneQuality(m); got != 90 {
		t.Fatalf("quality = %d, want 90", got)
	}
	m.OutOfScope = []string{"Hosting"}
	if got := MilestoneQuality(m); got != 100 {
		t.Fatalf("quality = %d, want 100", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	m, _ := NewMilestone("m1", sampleSpec())
	score := 70
	m.Dispute = &Dispute{Reason: ReasonQuality, FailedCriteria: []string{"Mobile layout"}, ComplianceScore: &score}
	c := Contract{ID: "c1", Milestones: []Milestone{m}}
	cp := c.Clone()
	cp.Milestones[0].Deliverables[0].Evidence = "changed"
	cp.Milestones[0].Dispute.FailedCriteria[0] = "changed"
	*cp.Milestones[0].Dispute.ComplianceScore = 1
	if c.Milestones[0].Deliverables[0].Evidence != "" ||
		c.Milestones[0].Dispute.FailedCriteria[0] != "Mobile layout" ||
		*c.Milestones[0].Dispute.ComplianceScore != 70 {
		t.Fatalf("clone shares memory with original")
	}
}

func TestCheckInvariants(t *testing.T) {
	c := Contract{ID: "c1", TotalValue: 100, Milestones: []Milestone{
		{ID: "m1", Amount: 60, Status: MilestoneFunded},
		{ID: "m2", Amount: 40, Status: MilestonePending},
	}}
	if err := CheckInvariants(c); err == nil {
		t.Fatalf("escrow 0 with a funded milestone should fail")
	}
	c.EscrowBalance = 60
	if err := CheckInvariants(c); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	c.TotalValue = 90
	if err := CheckInvariants(c); err == nil {
		t.Fatalf("total mismatch should fail")
	}
}

func TestTotalValueRejectsOverflow(t *testing.T) {
	c := Contract{ID: "c1", Milestones: []Milestone{{ID: "m1", Amount: 60}, {ID: "m2", Amount: 40}}}
	if total, err := TotalValue(c); err != nil || total != 100 {
		t.Fatalf("TotalValue = %d %v", total, err)
	}
	c.Milestones = []Milestone{{ID: "m1", Amount: math.MaxInt64}, {ID: "m2", Amount: 1}}
	var verr *ValidationError
	if _, err := TotalValue(c); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRoleOf(t *testing.T) {
	c := Contract{ClientID: "rajesh", FreelancerID: "ankit"}
	if r, ok := c.RoleOf("ankit"); !ok || r != RoleFreelancer {
		t.Fatalf("RoleOf(ankit) = %s %v", r, ok)
	}
	if _, ok := c.RoleOf("mallory"); ok {
		t.Fatalf("stranger should not resolve")
	}
	if SubsetOf([]string{"a", "x"}, []string{"a", "b"})[0] != "x" {
		t.Fatalf("subset check")
	}
}
