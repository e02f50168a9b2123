// Package pgstore keeps contracts in PostgreSQL.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustvault/internal/domain"
	"trustvault/internal/migrate"
	"trustvault/internal/repo"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// TxBeginner is the part of pgxpool.Pool the store needs.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	db   TxBeginner
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool, db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	migrations, err := migrate.Load(migrationsFS, "sql")
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	if _, err := tx.Exec(ctx, `LOCK TABLE schema_version IN EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("lock schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE schema_version SET version=$1`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = m.Version
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (domain.Contract, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM contracts WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	var c domain.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Contract{}, fmt.Errorf("decode contract snapshot: %w", err)
	}
	return c, nil
}

func (s *Store) List(ctx context.Context, f repo.Filter) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.PartyID != "" {
		p := arg(f.PartyID)
		clauses = append(clauses, fmt.Sprintf("(client_id=%s OR freelancer_id=%s)", p, p))
	}
	if f.Status != "" {
		clauses = append(clauses, "status="+arg(string(f.Status)))
	}
	if f.SupersedesID != "" {
		clauses = append(clauses, "supersedes_id="+arg(f.SupersedesID))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		at, id := arg(f.CursorCreatedAt), arg(f.CursorID)
		clauses = append(clauses, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))", at, at, id))
	}
	query := `SELECT snapshot FROM contracts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c domain.Contract
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode contract snapshot: %w", err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Save applies the commit inside one transaction. The UPDATE carries the
// expected revision in its WHERE clause so a concurrent writer loses cleanly.
func (s *Store) Save(ctx context.Context, cm repo.Commit) (domain.Contract, error) {
	c := cm.NextRevision()
	data, err := json.Marshal(c)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("encode contract snapshot: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback(ctx)

	if cm.ExpectedRevision == 0 {
		tag, err := tx.Exec(ctx, `INSERT INTO contracts(id,title,client_id,freelancer_id,status,total_value,escrow_balance,revision,supersedes_id,created_at,updated_at,snapshot)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (id) DO NOTHING`,
			c.ID, c.Title, c.ClientID, c.FreelancerID, string(c.Status), c.TotalValue, c.EscrowBalance, c.Revision, nullable(c.SupersedesID), c.CreatedAt, c.UpdatedAt, data)
		if err != nil {
			return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.Contract{}, s.conflict(ctx, tx, c.ID, 0)
		}
	} else {
		tag, err := tx.Exec(ctx, `UPDATE contracts SET title=$1,status=$2,total_value=$3,escrow_balance=$4,revision=$5,updated_at=$6,snapshot=$7 WHERE id=$8 AND revision=$9`,
			c.Title, string(c.Status), c.TotalValue, c.EscrowBalance, c.Revision, c.UpdatedAt, data, c.ID, cm.ExpectedRevision)
		if err != nil {
			return domain.Contract{}, fmt.Errorf("update contract: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.Contract{}, s.conflict(ctx, tx, c.ID, cm.ExpectedRevision)
		}
	}

	batch := &pgx.Batch{}
	for _, e := range cm.Events {
		payload, err := json.Marshal(orEmpty(e.Payload))
		if err != nil {
			return domain.Contract{}, fmt.Errorf("marshal event payload: %w", err)
		}
		batch.Queue(`INSERT INTO events(ts,type,contract_id,milestone_id,actor_id,payload) VALUES ($1,$2,$3,$4,$5,$6)`,
			e.TS, e.Type, e.ContractID, nullable(e.MilestoneID), e.ActorID, payload)
	}
	for _, l := range cm.Ledger {
		batch.Queue(`INSERT INTO ledger_entries(contract_id,milestone_id,kind,amount,balance_after,actor_id,ts) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			l.ContractID, nullable(l.MilestoneID), string(l.Kind), l.Amount, l.BalanceAfter, l.ActorID, l.TS)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return domain.Contract{}, fmt.Errorf("append journal: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (s *Store) conflict(ctx context.Context, tx pgx.Tx, id string, expected int64) error {
	var current int64
	err := tx.QueryRow(ctx, `SELECT revision FROM contracts WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("contract %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &domain.ConcurrentModificationError{ContractID: id, Expected: expected, Actual: current}
}

func (s *Store) Events(ctx context.Context, contractID string) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, `SELECT id,ts,type,contract_id,COALESCE(milestone_id,''),actor_id,payload FROM events WHERE contract_id=$1 ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT id,ts,type,contract_id,COALESCE(milestone_id,''),actor_id,payload FROM events WHERE id>$1 ORDER BY id LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ContractID, &e.MilestoneID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) Ledger(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT id,contract_id,COALESCE(milestone_id,''),kind,amount,balance_after,actor_id,ts FROM ledger_entries WHERE contract_id=$1 ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var l domain.LedgerEntry
		var kind string
		if err := rows.Scan(&l.ID, &l.ContractID, &l.MilestoneID, &kind, &l.Amount, &l.BalanceAfter, &l.ActorID, &l.TS); err != nil {
			return nil, err
		}
		l.Kind = domain.LedgerKind(kind)
		res = append(res, l)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
