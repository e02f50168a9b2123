package redisstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"trustvault/internal/domain"
	"trustvault/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TRUSTVAULT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TRUSTVAULT_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := New(client, "tvtest-"+uuid.NewString())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := domain.Contract{
		ID:            "CNT-R1",
		Title:         "Logo design",
		ClientID:      "rajesh",
		FreelancerID:  "ankit",
		Status:        domain.ContractActive,
		TotalValue:    900,
		EscrowBalance: 900,
		Milestones:    []domain.Milestone{{ID: "m1", Version: 1, Amount: 900, Status: domain.MilestoneFunded}},
		CreatedAt:     "2024-03-01T09:00:00Z",
		UpdatedAt:     "2024-03-01T09:00:00Z",
	}
	saved, err := s.Save(ctx, repo.Commit{
		Contract: c,
		Events: []domain.Event{
			{TS: c.CreatedAt, Type: "contract.created", ContractID: c.ID, ActorID: "rajesh"},
			{TS: c.CreatedAt, Type: "milestone.funded", ContractID: c.ID, MilestoneID: "m1", ActorID: "rajesh"},
		},
		Ledger: []domain.LedgerEntry{{ContractID: c.ID, MilestoneID: "m1", Kind: domain.LedgerHold, Amount: 900, BalanceAfter: 900, ActorID: "rajesh", TS: c.CreatedAt}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Revision != 1 {
		t.Fatalf("revision = %d", saved.Revision)
	}

	var conflict *domain.ConcurrentModificationError
	if _, err := s.Save(ctx, repo.Commit{Contract: c}); !errors.As(err, &conflict) {
		t.Fatalf("duplicate insert should conflict, got %v", err)
	}
	next := saved.Clone()
	next.Title = "Logo design v2"
	if _, err := s.Save(ctx, repo.Commit{Contract: next, ExpectedRevision: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.Save(ctx, repo.Commit{Contract: next, ExpectedRevision: 1}); !errors.As(err, &conflict) || conflict.Actual != 2 {
		t.Fatalf("stale update: %v", err)
	}
	if _, err := s.Get(ctx, "CNT-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	evts, err := s.Events(ctx, c.ID)
	if err != nil || len(evts) != 2 || evts[0].ID >= evts[1].ID {
		t.Fatalf("events: %v %+v", err, evts)
	}
	tail, err := s.EventsAfter(ctx, evts[0].ID, 10)
	if err != nil || len(tail) != 1 || tail[0].Type != "milestone.funded" {
		t.Fatalf("events after: %v %+v", err, tail)
	}
	ledger, err := s.Ledger(ctx, c.ID)
	if err != nil || len(ledger) != 1 || ledger[0].ID == 0 {
		t.Fatalf("ledger: %v %+v", err, ledger)
	}
	listed, err := s.List(ctx, repo.Filter{PartyID: "ankit"})
	if err != nil || len(listed) != 1 || listed[0].Title != "Logo design v2" {
		t.Fatalf("list: %v %+v", err, listed)
	}
}
