package repo

import (
	"context"

	"trustvault/internal/domain"
)

var ErrNotFound = domain.ErrNotFound

// Filter narrows List. Results are ordered newest first; pass the last
// contract's CreatedAt and ID as the cursor to read the next page.
type Filter struct {
	PartyID         string
	Status          domain.ContractStatus
	SupersedesID    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// Commit is one atomic write: the new snapshot plus the journal rows that
// describe how it was reached. ExpectedRevision 0 inserts a new contract.
type Commit struct {
	Contract         domain.Contract
	ExpectedRevision int64
	Events           []domain.Event
	Ledger           []domain.LedgerEntry
}

// Store is the contract repository. Save must fail with
// *domain.ConcurrentModificationError when the stored revision differs from
// ExpectedRevision, and returns the snapshot with its new revision.
type Store interface {
	Get(ctx context.Context, id string) (domain.Contract, error)
	List(ctx context.Context, f Filter) ([]domain.Contract, error)
	Save(ctx context.Context, c Commit) (domain.Contract, error)
}

// Journal reads back what Save recorded.
type Journal interface {
	Events(ctx context.Context, contractID string) ([]domain.Event, error)
	Ledger(ctx context.Context, contractID string) ([]domain.LedgerEntry, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
}

// Backend is a store with its journal, as opened by the application.
type Backend interface {
	Store
	Journal
	Close() error
}

// Matches reports whether c passes f, ignoring the cursor and limit. Stores
// that cannot filter natively use it.
func (f Filter) Matches(c domain.Contract) bool {
	if f.PartyID != "" && c.ClientID != f.PartyID && c.FreelancerID != f.PartyID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.SupersedesID != "" && c.SupersedesID != f.SupersedesID {
		return false
	}
	return true
}

// After reports whether c sorts after the cursor in newest-first order.
func (f Filter) After(c domain.Contract) bool {
	if f.CursorCreatedAt == "" || f.CursorID == "" {
		return true
	}
	return c.CreatedAt < f.CursorCreatedAt || (c.CreatedAt == f.CursorCreatedAt && c.ID < f.CursorID)
}

// NextRevision stamps the revision a successful commit gives its snapshot.
func (c Commit) NextRevision() domain.Contract {
	out := c.Contract.Clone()
	out.Revision = c.ExpectedRevision + 1
	return out
}
