// Package escrow computes escrow balance deltas. It never mutates a
// contract; callers apply the delta to a fresh snapshot.
package escrow

import (
	"fmt"

	"trustvault/internal/domain"
)

type Delta struct {
	Kind        domain.LedgerKind
	MilestoneID string
	// Amount is signed: positive for holds, negative for releases and refunds.
	Amount int64
}

// Fund returns the hold for milestone m.
func Fund(c domain.Contract, m domain.Milestone) (Delta, error) {
	if c.EscrowBalance+m.Amount > c.TotalValue {
		return Delta{}, &domain.EscrowOverflowError{Balance: c.EscrowBalance, Amount: m.Amount, Total: c.TotalValue}
	}
	return Delta{Kind: domain.LedgerHold, MilestoneID: m.ID, Amount: m.Amount}, nil
}

// Release pays out milestone m. The milestone must be submitted, or
// disputed when a dispute resolves in the freelancer's favour. The release
// never takes the balance below zero.
func Release(c domain.Contract, m domain.Milestone) (Delta, error) {
	if m.Status != domain.MilestoneSubmitted && m.Status != domain.MilestoneDisputed {
		return Delta{}, &domain.InvalidTransitionError{
			Action:          domain.ActionApprove,
			ContractStatus:  c.Status,
			MilestoneStatus: m.Status,
			Reason:          "release requires a submitted milestone",
		}
	}
	amount := min(m.Amount, c.EscrowBalance)
	return Delta{Kind: domain.LedgerRelease, MilestoneID: m.ID, Amount: -amount}, nil
}

// Refund returns the funds held by milestone m to the client.
func Refund(c domain.Contract, m domain.Milestone) (Delta, error) {
	if !m.Status.HoldsFunds() {
		return Delta{}, &domain.InvalidTransitionError{
			Action:          domain.ActionResolveRefund,
			ContractStatus:  c.Status,
			MilestoneStatus: m.Status,
			Reason:          "milestone holds no funds",
		}
	}
	return Delta{Kind: domain.LedgerRefund, MilestoneID: m.ID, Amount: -m.Amount}, nil
}

// RefundAll returns one refund per funds-holding milestone. Applied in
// order they bring the balance back to zero.
func RefundAll(c domain.Contract) []Delta {
	var out []Delta
	for _, m := range c.Milestones {
		if m.Status.HoldsFunds() && m.Amount > 0 {
			out = append(out, Delta{Kind: domain.LedgerRefund, MilestoneID: m.ID, Amount: -m.Amount})
		}
	}
	return out
}

// Apply returns the balance after d. A result outside [0, total] is a
// programming defect and panics with *domain.InvariantError.
func Apply(c domain.Contract, d Delta) int64 {
	next := c.EscrowBalance + d.Amount
	if next < 0 || next > c.TotalValue {
		panic(&domain.InvariantError{
			ContractID: c.ID,
			Detail:     fmt.Sprintf("%s of %d moves escrow %d to %d (total %d)", d.Kind, d.Amount, c.EscrowBalance, next, c.TotalValue),
		})
	}
	return next
}

// Entry turns d into a ledger row once it has been applied.
func Entry(c domain.Contract, d Delta, balanceAfter int64, actorID, ts string) domain.LedgerEntry {
	amount := d.Amount
	if amount < 0 {
		amount = -amount
	}
	return domain.LedgerEntry{
		ContractID:   c.ID,
		MilestoneID:  d.MilestoneID,
		Kind:         d.Kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		ActorID:      actorID,
		TS:           ts,
	}
}
