package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"trustvault/internal/domain"
	"trustvault/internal/repo"
)

// startPostgres returns a DSN from TRUSTVAULT_TEST_PG_DSN or a throwaway
// Postgres 16 container.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TRUSTVAULT_TEST_PG_DSN"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("trustvault"),
		postgres.WithUsername("trustvault"),
		postgres.WithPassword("trustvault"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("no container runtime available: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgC) })
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func TestStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := Open(ctx, startPostgres(ctx, t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}

	id := "CNT-PG-" + time.Now().UTC().Format("150405.000000")
	c := domain.Contract{
		ID:            id,
		Title:         "Mobile app",
		ClientID:      "rajesh",
		FreelancerID:  "ankit",
		Status:        domain.ContractActive,
		TotalValue:    40000,
		EscrowBalance: 40000,
		Milestones:    []domain.Milestone{{ID: "m1", Version: 1, Amount: 40000, Status: domain.MilestoneFunded}},
		CreatedAt:     "2024-03-01T09:00:00Z",
		UpdatedAt:     "2024-03-01T09:00:00Z",
	}
	saved, err := s.Save(ctx, repo.Commit{
		Contract: c,
		Events:   []domain.Event{{TS: c.CreatedAt, Type: "milestone.funded", ContractID: id, MilestoneID: "m1", ActorID: "rajesh", Payload: map[string]any{"amount": 40000}}},
		Ledger:   []domain.LedgerEntry{{ContractID: id, MilestoneID: "m1", Kind: domain.LedgerHold, Amount: 40000, BalanceAfter: 40000, ActorID: "rajesh", TS: c.CreatedAt}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil || got.Revision != 1 || got.Milestones[0].Status != domain.MilestoneFunded {
		t.Fatalf("get: %v %+v", err, got)
	}

	next := saved.Clone()
	next.Title = "Mobile app v2"
	if _, err := s.Save(ctx, repo.Commit{Contract: next, ExpectedRevision: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = s.Save(ctx, repo.Commit{Contract: next, ExpectedRevision: 1})
	var conflict *domain.ConcurrentModificationError
	if !errors.As(err, &conflict) || conflict.Actual != 2 {
		t.Fatalf("expected conflict at revision 2, got %v", err)
	}
	if _, err := s.Get(ctx, id+"-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	evts, err := s.Events(ctx, id)
	if err != nil || len(evts) != 1 || evts[0].MilestoneID != "m1" {
		t.Fatalf("events: %v %+v", err, evts)
	}
	ledger, err := s.Ledger(ctx, id)
	if err != nil || len(ledger) != 1 || ledger[0].Kind != domain.LedgerHold {
		t.Fatalf("ledger: %v %+v", err, ledger)
	}
	listed, err := s.List(ctx, repo.Filter{PartyID: "ankit", Status: domain.ContractActive, Limit: 50})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, lc := range listed {
		found = found || lc.ID == id
	}
	if !found {
		t.Fatalf("contract %s not listed", id)
	}
}
