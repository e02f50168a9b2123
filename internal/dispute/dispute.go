// Package dispute scores disputed milestones. The Heuristic scorer is a
// placeholder; anything implementing Scorer can replace it.
package dispute

import (
	"context"
	"fmt"
	"slices"

	"trustvault/internal/domain"
)

type Recommendation string

const (
	RecommendRelease        Recommendation = "release"
	RecommendPartialRelease Recommendation = "partial_release"
	RecommendEscalate       Recommendation = "escalate"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// DeadlineCriterion is the synthetic criterion charged for delay disputes.
const DeadlineCriterion = "Deadline Compliance"

type CriterionResult struct {
	Criterion string                    `json:"criterion"`
	Result    domain.VerificationStatus `json:"result" enum:"pass,fail,pending,warning"`
	Reason    string                    `json:"reason"`
}

type DeliverableVerdict struct {
	DeliverableID string                    `json:"deliverable_id"`
	Status        domain.VerificationStatus `json:"status" enum:"pass,fail,pending,warning"`
	Note          string                    `json:"note,omitempty"`
}

type Report struct {
	ContractID      string               `json:"contract_id,omitempty"`
	MilestoneID     string               `json:"milestone_id"`
	ComplianceScore int                  `json:"compliance_score"`
	Recommendation  Recommendation       `json:"recommendation" enum:"release,partial_release,escalate"`
	Confidence      Confidence           `json:"confidence" enum:"high,medium"`
	Summary         string               `json:"summary"`
	Criteria        []CriterionResult    `json:"criteria"`
	Deliverables    []DeliverableVerdict `json:"deliverables,omitempty"`
	GeneratedAt     string               `json:"generated_at,omitempty" format:"date-time"`
}

// Scorer turns a disputed milestone into a compliance report.
type Scorer interface {
	Score(ctx context.Context, m domain.Milestone) (Report, error)
}

// Heuristic charges a fixed penalty for any dispute plus a flat amount per
// failed criterion.
type Heuristic struct {
	FixedPenalty       int
	PerFailedCriterion int
	ReleaseAbove       int
	PartialAbove       int
}

func DefaultHeuristic() Heuristic {
	return Heuristic{FixedPenalty: 5, PerFailedCriterion: 25, ReleaseAbove: 80, PartialAbove: 40}
}

func (h Heuristic) Score(_ context.Context, m domain.Milestone) (Report, error) {
	if m.Dispute == nil {
		return Report{}, fmt.Errorf("milestone %s has no dispute", m.ID)
	}
	var failed []string
	for _, c := range m.Dispute.FailedCriteria {
		if !slices.Contains(failed, c) {
			failed = append(failed, c)
		}
	}
	rep := Report{MilestoneID: m.ID}
	fails := len(failed)
	var seen []string
	for _, c := range m.AcceptanceCriteria {
		if slices.Contains(seen, c) {
			continue
		}
		seen = append(seen, c)
		if slices.Contains(failed, c) {
			rep.Criteria = append(rep.Criteria, CriterionResult{
				Criterion: c,
				Result:    domain.VerificationFail,
				Reason:    "Evidence provided does not meet this criterion based on automated checks.",
			})
			continue
		}
		rep.Criteria = append(rep.Criteria, CriterionResult{
			Criterion: c,
			Result:    domain.VerificationPass,
			Reason:    "Verified against provided evidence.",
		})
	}
	if m.Dispute.Reason == domain.ReasonDelay {
		fails++
		reason := "Milestone missed its deadline"
		if m.Deadline != "" {
			reason = fmt.Sprintf("Milestone missed deadline of %s", m.Deadline)
		}
		rep.Criteria = append(rep.Criteria, CriterionResult{Criterion: DeadlineCriterion, Result: domain.VerificationFail, Reason: reason})
	}
	rep.ComplianceScore = clamp(100-h.PerFailedCriterion*fails-h.FixedPenalty, 0, 100)
	rep.Recommendation = h.Recommend(rep.ComplianceScore)
	rep.Confidence = ConfidenceMedium
	if rep.ComplianceScore > h.ReleaseAbove {
		rep.Confidence = ConfidenceHigh
	}
	if fails > 0 {
		rep.Summary = fmt.Sprintf("%d of %d checks failed. Discrepancies were detected in the provided evidence.", fails, len(rep.Criteria))
	} else {
		rep.Summary = "All checks passed."
	}
	for _, d := range m.Deliverables {
		v := DeliverableVerdict{DeliverableID: d.ID}
		switch {
		case d.Evidence == "":
			v.Status, v.Note = domain.VerificationFail, "no evidence submitted"
		case fails > 0:
			v.Status, v.Note = domain.VerificationWarning, "evidence present; criteria disputed"
		default:
			v.Status = domain.VerificationPass
		}
		rep.Deliverables = append(rep.Deliverables, v)
	}
	return rep, nil
}

// Recommend maps a score onto the heuristic's thresholds.
func (h Heuristic) Recommend(score int) Recommendation {
	switch {
	case score > h.ReleaseAbove:
		return RecommendRelease
	case score > h.PartialAbove:
		return RecommendPartialRelease
	}
	return RecommendEscalate
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
