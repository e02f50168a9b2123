package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MilestoneSpec carries the editable terms of a milestone.
type MilestoneSpec struct {
	ID                 string        `json:"id,omitempty"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Amount             int64         `json:"amount"`
	Deadline           string        `json:"deadline,omitempty" format:"date"`
	Deliverables       []Deliverable `json:"deliverables,omitempty"`
	AcceptanceCriteria []string      `json:"acceptance_criteria,omitempty"`
	OutOfScope         []string      `json:"out_of_scope,omitempty"`
}

// NewMilestone builds a draft milestone at version 1. Only structural
// problems fail here; completeness is checked when the contract leaves draft.
func NewMilestone(id string, spec MilestoneSpec) (Milestone, error) {
	if id == "" {
		return Milestone{}, Invalid("milestone id is required")
	}
	var problems []string
	if spec.Amount < 0 {
		problems = append(problems, fmt.Sprintf("amount must not be negative (got %d)", spec.Amount))
	}
	if spec.Deadline != "" {
		if _, err := time.Parse(DateLayout, spec.Deadline); err != nil {
			problems = append(problems, fmt.Sprintf("deadline %q is not a YYYY-MM-DD date", spec.Deadline))
		}
	}
	deliverables := make([]Deliverable, 0, len(spec.Deliverables))
	seen := map[string]bool{}
	for i, d := range spec.Deliverables {
		if d.ID == "" {
			d.ID = fmt.Sprintf("%s-d%d", id, i+1)
		}
		if seen[d.ID] {
			problems = append(problems, fmt.Sprintf("duplicate deliverable id %s", d.ID))
		}
		seen[d.ID] = true
		if d.Type == "" {
			d.Type = DeliverableAny
		}
		switch d.Type {
		case DeliverableFile, DeliverableLink, DeliverableAny:
		default:
			problems = append(problems, fmt.Sprintf("deliverable %s: unknown type %q", d.ID, d.Type))
		}
		deliverables = append(deliverables, Deliverable{ID: d.ID, Description: d.Description, Type: d.Type})
	}
	if len(problems) > 0 {
		return Milestone{}, &ValidationError{Problems: problems}
	}
	return Milestone{
		ID:                 id,
		Version:            1,
		Title:              strings.TrimSpace(spec.Title),
		Description:        spec.Description,
		Amount:             spec.Amount,
		Status:             MilestoneDraft,
		Deliverables:       deliverables,
		AcceptanceCriteria: nonBlank(spec.AcceptanceCriteria),
		OutOfScope:         nonBlank(spec.OutOfScope),
		Deadline:           spec.Deadline,
	}, nil
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Spec returns the editable terms of m.
func (m Milestone) Spec() MilestoneSpec {
	c := m.Clone()
	return MilestoneSpec{
		ID:                 c.ID,
		Title:              c.Title,
		Description:        c.Description,
		Amount:             c.Amount,
		Deadline:           c.Deadline,
		Deliverables:       c.Deliverables,
		AcceptanceCriteria: c.AcceptanceCriteria,
		OutOfScope:         c.OutOfScope,
	}
}

// MilestoneProblems lists what keeps m from leaving draft. position is the
// 1-based index used in messages.
func MilestoneProblems(position int, m Milestone) []string {
	var out []string
	if m.Title == "" {
		out = append(out, fmt.Sprintf("Milestone %d: Missing Title", position))
	}
	if m.Amount <= 0 {
		out = append(out, fmt.Sprintf("Milestone %d: Invalid Amount", position))
	}
	if m.Deadline == "" {
		out = append(out, fmt.Sprintf("Milestone %d: Missing Deadline", position))
	}
	if len(m.Deliverables) == 0 {
		out = append(out, fmt.Sprintf("Milestone %d: Needs at least one Deliverable", position))
	}
	if len(m.AcceptanceCriteria) == 0 {
		out = append(out, fmt.Sprintf("Milestone %d: Needs at least one Acceptance Criteria", position))
	}
	return out
}

func IsComplete(m Milestone) bool {
	return len(MilestoneProblems(1, m)) == 0
}

// MilestoneQuality grades how fully the terms of m are written, 0..100.
func MilestoneQuality(m Milestone) int {
	score := 0
	if len(m.Title) > 3 {
		score += 10
	}
	if len(m.Description) > 10 {
		score += 20
	}
	if m.Amount > 0 {
		score += 10
	}
	if m.Deadline != "" {
		score += 10
	}
	if len(m.Deliverables) > 0 {
		score += 20
	}
	if len(m.AcceptanceCriteria) > 0 {
		score += 20
	}
	if len(m.OutOfScope) > 0 {
		score += 10
	}
	return min(score, 100)
}

// TotalValue sums the milestone amounts of c, rejecting a total that does
// not fit in an int64.
func TotalValue(c Contract) (int64, error) {
	var total int64
	for _, m := range c.Milestones {
		if m.Amount > math.MaxInt64-total {
			return 0, Invalid("contract %s: milestone amounts exceed %d", c.ID, int64(math.MaxInt64))
		}
		total += m.Amount
	}
	return total, nil
}

func SumMilestoneAmounts(c Contract) int64 {
	var total int64
	for _, m := range c.Milestones {
		total += m.Amount
	}
	return total
}

// HeldAmount is the sum of amounts of milestones currently holding funds.
func HeldAmount(c Contract) int64 {
	var held int64
	for _, m := range c.Milestones {
		if m.Status.HoldsFunds() {
			held += m.Amount
		}
	}
	return held
}

// AllSettled reports whether the contract has milestones and every one is
// paid or completed.
func AllSettled(c Contract) bool {
	if len(c.Milestones) == 0 {
		return false
	}
	for _, m := range c.Milestones {
		if !m.Status.Settled() {
			return false
		}
	}
	return true
}

func HasDisputed(c Contract) bool {
	for _, m := range c.Milestones {
		if m.Status == MilestoneDisputed {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the escrow and total value invariants of c.
func CheckInvariants(c Contract) error {
	if sum := SumMilestoneAmounts(c); c.TotalValue != sum {
		return &InvariantError{ContractID: c.ID, Detail: fmt.Sprintf("total value %d != milestone sum %d", c.TotalValue, sum)}
	}
	if c.EscrowBalance < 0 || c.EscrowBalance > c.TotalValue {
		return &InvariantError{ContractID: c.ID, Detail: fmt.Sprintf("escrow %d outside [0, %d]", c.EscrowBalance, c.TotalValue)}
	}
	if held := HeldAmount(c); c.EscrowBalance != held {
		return &InvariantError{ContractID: c.ID, Detail: fmt.Sprintf("escrow %d != held amount %d", c.EscrowBalance, held)}
	}
	return nil
}

// SubsetOf returns the members of items that are not in set.
func SubsetOf(items, set []string) []string {
	index := make(map[string]bool, len(set))
	for _, s := range set {
		index[s] = true
	}
	var missing []string
	for _, it := range items {
		if !index[it] {
			missing = append(missing, it)
		}
	}
	return missing
}
