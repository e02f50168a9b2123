package lifecycle

import (
	"slices"
	"time"

	"trustvault/internal/dispute"
	"trustvault/internal/domain"
	"trustvault/internal/escrow"
	"trustvault/internal/rules"
)

type DisputeInput struct {
	Reason         domain.DisputeReason `json:"reason" yaml:"reason" enum:"quality,incomplete,requirements,delay"`
	Comments       string               `json:"comments,omitempty" yaml:"comments"`
	FailedCriteria []string             `json:"failed_criteria,omitempty" yaml:"failed_criteria"`
}

// RaiseDispute opens a level 1 dispute on a submitted milestone.
func RaiseDispute(c domain.Contract, actor domain.Actor, milestoneID string, in DisputeInput, now time.Time) (Result, error) {
	idx, t, err := milestoneStep(c, actor, milestoneID, domain.ActionRaiseDispute)
	if err != nil {
		return Result{}, err
	}
	if !in.Reason.Valid() {
		return Result{}, domain.Invalid("unknown dispute reason %q", in.Reason)
	}
	m := c.Milestones[idx]
	for i, fc := range in.FailedCriteria {
		if slices.Contains(in.FailedCriteria[:i], fc) {
			return Result{}, domain.Invalid("failed criterion %q listed twice", fc)
		}
	}
	if missing := domain.SubsetOf(in.FailedCriteria, m.AcceptanceCriteria); len(missing) > 0 {
		problems := make([]string, 0, len(missing))
		for _, s := range missing {
			problems = append(problems, "failed criterion \""+s+"\" is not an acceptance criterion of milestone "+m.ID)
		}
		return Result{}, &domain.ValidationError{Problems: problems}
	}
	ch := begin(c, actor, now)
	cm := &ch.c.Milestones[idx]
	cm.Status = t.Milestone
	cm.Dispute = &domain.Dispute{
		Reason:         in.Reason,
		Comments:       in.Comments,
		FailedCriteria: append([]string(nil), in.FailedCriteria...),
		RaisedAt:       ch.ts,
		RaisedBy:       actor.ID,
		Level:          domain.DisputeLevelAutomated,
	}
	ch.event("dispute.raised", milestoneID, map[string]any{"reason": in.Reason, "failed_criteria": len(in.FailedCriteria)})
	ch.settle(t)
	return ch.done(), nil
}

// AttachReport records a scorer report on the disputed milestone: the score
// and recommendation on the dispute, the verdicts on the deliverables.
func AttachReport(res Result, milestoneID string, rep dispute.Report, now time.Time) Result {
	ch := begin(res.Contract, domain.Actor{ID: "scorer"}, now)
	ch.res.Events = append(ch.res.Events, res.Events...)
	ch.res.Ledger = append(ch.res.Ledger, res.Ledger...)
	idx, ok := ch.c.Milestone(milestoneID)
	if !ok || ch.c.Milestones[idx].Dispute == nil {
		return ch.done()
	}
	cm := &ch.c.Milestones[idx]
	score := rep.ComplianceScore
	cm.Dispute.ComplianceScore = &score
	cm.Dispute.Recommendation = string(rep.Recommendation)
	for _, v := range rep.Deliverables {
		for i := range cm.Deliverables {
			if cm.Deliverables[i].ID == v.DeliverableID {
				cm.Deliverables[i].VerificationStatus = v.Status
				cm.Deliverables[i].VerificationNote = v.Note
			}
		}
	}
	ch.event("dispute.scored", milestoneID, map[string]any{"score": score, "recommendation": rep.Recommendation})
	return ch.done()
}

// ResolveDispute settles or escalates a dispute. release pays the
// freelancer, refund returns the funds to the client, escalate hands the
// dispute to human arbitration.
func ResolveDispute(c domain.Contract, actor domain.Actor, milestoneID string, outcome domain.Resolution, authorization string, now time.Time) (Result, error) {
	if !outcome.Valid() {
		return Result{}, domain.Invalid("unknown resolution %q", outcome)
	}
	idx, t, err := milestoneStep(c, actor, milestoneID, outcome.Action())
	if err != nil {
		return Result{}, err
	}
	if err := requireAuthorization(t, c, outcome.Action(), authorization); err != nil {
		return Result{}, err
	}
	switch outcome {
	case domain.ResolveRelease:
		return release(c, actor, idx, t, "dispute.resolved", now)
	case domain.ResolveRefund:
		d, err := escrow.Refund(c, c.Milestones[idx])
		if err != nil {
			return Result{}, err
		}
		ch := begin(c, actor, now)
		cm := &ch.c.Milestones[idx]
		cm.Status = t.Milestone
		cm.Dispute.Resolution = domain.ResolveRefund
		cm.Dispute.ResolvedAt = ch.ts
		ch.move(d)
		ch.event("dispute.resolved", milestoneID, map[string]any{"outcome": outcome, "amount": -d.Amount})
		ch.settle(t)
		return ch.done(), nil
	}
	ch := begin(c, actor, now)
	cm := &ch.c.Milestones[idx]
	cm.Dispute.Level = domain.DisputeLevelArbitration
	ch.event("dispute.escalated", milestoneID, map[string]any{"level": cm.Dispute.Level})
	ch.settle(t)
	return ch.done(), nil
}

// release pays out milestone idx. Shared by approval and dispute release.
func release(c domain.Contract, actor domain.Actor, idx int, t rules.Transition, eventType string, now time.Time) (Result, error) {
	d, err := escrow.Release(c, c.Milestones[idx])
	if err != nil {
		return Result{}, err
	}
	ch := begin(c, actor, now)
	cm := &ch.c.Milestones[idx]
	cm.Status = t.Milestone
	if cm.Dispute != nil {
		cm.Dispute.Resolution = domain.ResolveRelease
		cm.Dispute.ResolvedAt = ch.ts
	}
	ch.move(d)
	payload := map[string]any{"amount": -d.Amount, "escrow_balance": ch.c.EscrowBalance}
	if eventType == "dispute.resolved" {
		payload["outcome"] = domain.ResolveRelease
	}
	ch.event(eventType, cm.ID, payload)
	ch.settle(t)
	return ch.done(), nil
}
