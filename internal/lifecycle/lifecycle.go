// Package lifecycle applies actions to contract snapshots. Every function
// takes a snapshot plus the injected time and returns a new snapshot along
// with the events and ledger rows the change produced. Nothing here does I/O.
package lifecycle

import (
	"fmt"
	"time"

	"trustvault/internal/domain"
	"trustvault/internal/escrow"
	"trustvault/internal/rules"
)

// Result is one atomic change. Contract is the snapshot to persist; for
// propose-changes it is the new superseding draft.
type Result struct {
	Contract domain.Contract
	Events   []domain.Event
	Ledger   []domain.LedgerEntry
}

type change struct {
	c     domain.Contract
	actor domain.Actor
	ts    string
	res   Result
}

func begin(c domain.Contract, actor domain.Actor, now time.Time) *change {
	return &change{c: c.Clone(), actor: actor, ts: domain.Timestamp(now)}
}

func (ch *change) event(typ, milestoneID string, payload map[string]any) {
	ch.res.Events = append(ch.res.Events, domain.Event{
		TS:          ch.ts,
		Type:        typ,
		ContractID:  ch.c.ID,
		MilestoneID: milestoneID,
		ActorID:     ch.actor.ID,
		Payload:     payload,
	})
}

func (ch *change) move(d escrow.Delta) {
	ch.c.EscrowBalance = escrow.Apply(ch.c, d)
	ch.res.Ledger = append(ch.res.Ledger, escrow.Entry(ch.c, d, ch.c.EscrowBalance, ch.actor.ID, ch.ts))
}

// done stamps the snapshot and checks its invariants. A breach panics so the
// snapshot is never handed to a store.
func (ch *change) done() Result {
	ch.c.UpdatedAt = ch.ts
	if err := domain.CheckInvariants(ch.c); err != nil {
		panic(err)
	}
	ch.res.Contract = ch.c
	return ch.res
}

// ResolveRole works out which side of c the actor is acting for. An empty
// role is derived from membership; a stated party role must match the
// actor's identity when one is given.
func ResolveRole(c domain.Contract, actor domain.Actor, action domain.Action) (domain.Role, error) {
	deny := func(reason string) error {
		return &domain.InvalidTransitionError{Action: action, ContractStatus: c.Status, Role: actor.Role, Reason: reason}
	}
	switch actor.Role {
	case domain.RoleArbiter:
		return domain.RoleArbiter, nil
	case "":
		role, ok := c.RoleOf(actor.ID)
		if !ok {
			return "", deny(fmt.Sprintf("%q is not a party to contract %s", actor.ID, c.ID))
		}
		return role, nil
	case domain.RoleClient, domain.RoleFreelancer:
		if actor.ID != "" && actor.ID != c.PartyID(actor.Role) {
			return "", deny(fmt.Sprintf("%q is not the %s on contract %s", actor.ID, actor.Role, c.ID))
		}
		return actor.Role, nil
	}
	return "", deny(fmt.Sprintf("unknown role %q", actor.Role))
}

// contractStep checks a contract-level action.
func contractStep(c domain.Contract, actor domain.Actor, action domain.Action) (rules.Transition, error) {
	role, err := ResolveRole(c, actor, action)
	if err != nil {
		return rules.Transition{}, err
	}
	return rules.Evaluate(rules.Request{Contract: c.Status, Role: role, Action: action})
}

// milestoneStep checks a milestone-level action and returns the milestone
// index alongside the transition.
func milestoneStep(c domain.Contract, actor domain.Actor, milestoneID string, action domain.Action) (int, rules.Transition, error) {
	idx, ok := c.Milestone(milestoneID)
	if !ok {
		return -1, rules.Transition{}, fmt.Errorf("milestone %s on contract %s: %w", milestoneID, c.ID, domain.ErrNotFound)
	}
	role, err := ResolveRole(c, actor, action)
	if err != nil {
		return -1, rules.Transition{}, err
	}
	m := c.Milestones[idx]
	level := 0
	if m.Dispute != nil {
		level = m.Dispute.Level
	}
	t, err := rules.Evaluate(rules.Request{Contract: c.Status, Milestone: m.Status, Role: role, Action: action, DisputeLevel: level})
	return idx, t, err
}

func requireAuthorization(t rules.Transition, c domain.Contract, action domain.Action, authorization string) error {
	if t.RequiresAuthorization && authorization == "" {
		return &domain.AuthorizationRequiredError{Action: action, ContractID: c.ID}
	}
	return nil
}

// settle moves the contract to its derived status and records completion.
func (ch *change) settle(t rules.Transition) {
	before := ch.c.Status
	ch.c.Status = t.Contract
	ch.c.Status = rules.DeriveContractStatus(ch.c)
	if ch.c.Status != before {
		ch.event("contract.status_changed", "", map[string]any{"from": before, "to": ch.c.Status})
	}
	if ch.c.Status == domain.ContractCompleted && before != domain.ContractCompleted {
		ch.event("contract.completed", "", map[string]any{"total_value": ch.c.TotalValue})
	}
}
