package dispute

import (
	"context"
	"testing"

	"trustvault/internal/domain"
)

func disputed(reason domain.DisputeReason, failed ...string) domain.Milestone {
	return domain.Milestone{
		ID:                 "m1",
		Deadline:           "2024-03-15",
		AcceptanceCriteria: []string{"Responsive", "Accessible"},
		Deliverables: []domain.Deliverable{
			{ID: "m1-d1", Evidence: "https://example.com/build"},
			{ID: "m1-d2"},
		},
		Dispute: &domain.Dispute{Reason: reason, FailedCriteria: failed, Level: 1},
	}
}

func TestScoreOneFailedCriterion(t *testing.T) {
	h := DefaultHeuristic()
	rep, err := h.Score(context.Background(), disputed(domain.ReasonQuality, "Accessible"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if rep.ComplianceScore != 100-25-5 {
		t.Fatalf("score = %d, want 70", rep.ComplianceScore)
	}
	if rep.Recommendation != RecommendPartialRelease || rep.Confidence != ConfidenceMedium {
		t.Fatalf("unexpected recommendation %s/%s", rep.Recommendation, rep.Confidence)
	}
	if rep.Criteria[0].Result != domain.VerificationPass || rep.Criteria[1].Result != domain.VerificationFail {
		t.Fatalf("per-criterion results wrong: %+v", rep.Criteria)
	}
}

func TestScoreCountsEachFailedCriterionOnce(t *testing.T) {
	h := DefaultHeuristic()
	m := disputed(domain.ReasonQuality, "Responsive", "Accessible", "Responsive")
	m.AcceptanceCriteria = []string{"Responsive", "Accessible", "Responsive"}
	rep, err := h.Score(context.Background(), m)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if rep.ComplianceScore != 100-2*25-5 {
		t.Fatalf("score = %d, want 45", rep.ComplianceScore)
	}
	if len(rep.Criteria) != 2 {
		t.Fatalf("criteria = %+v", rep.Criteria)
	}
}

func TestScoreNoFailuresReleases(t *testing.T) {
	rep, _ := DefaultHeuristic().Score(context.Background(), disputed(domain.ReasonQuality))
	if rep.ComplianceScore != 95 || rep.Recommendation != RecommendRelease || rep.Confidence != ConfidenceHigh {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Deliverables[0].Status != domain.VerificationPass || rep.Deliverables[1].Status != domain.VerificationFail {
		t.Fatalf("deliverable verdicts wrong: %+v", rep.Deliverables)
	}
}

func TestDelayAddsDeadlineCriterion(t *testing.T) {
	rep, _ := DefaultHeuristic().Score(context.Background(), disputed(domain.ReasonDelay, "Responsive"))
	last := rep.Criteria[len(rep.Criteria)-1]
	if last.Criterion != DeadlineCriterion || last.Reason != "Milestone missed deadline of 2024-03-15" {
		t.Fatalf("missing deadline row: %+v", last)
	}
	if rep.ComplianceScore != 45 || rep.Recommendation != RecommendPartialRelease {
		t.Fatalf("score = %d (%s)", rep.ComplianceScore, rep.Recommendation)
	}
}

func TestScoreClampsAtZero(t *testing.T) {
	m := disputed(domain.ReasonDelay, "Responsive", "Accessible")
	m.AcceptanceCriteria = append(m.AcceptanceCriteria, "Fast", "Tested")
	m.Dispute.FailedCriteria = m.AcceptanceCriteria
	rep, _ := DefaultHeuristic().Score(context.Background(), m)
	if rep.ComplianceScore != 0 || rep.Recommendation != RecommendEscalate {
		t.Fatalf("unexpected %d %s", rep.ComplianceScore, rep.Recommendation)
	}
}

func TestRecommendThresholds(t *testing.T) {
	h := DefaultHeuristic()
	for score, want := range map[int]Recommendation{81: RecommendRelease, 80: RecommendPartialRelease, 41: RecommendPartialRelease, 40: RecommendEscalate} {
		if got := h.Recommend(score); got != want {
			t.Fatalf("Recommend(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestScoreWithoutDispute(t *testing.T) {
	if _, err := DefaultHeuristic().Score(context.Background(), domain.Milestone{ID: "m1"}); err == nil {
		t.Fatalf("expected error for undisputed milestone")
	}
}
