package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trustvault/internal/domain"
	"trustvault/internal/events"
)

// Repo is the SQLite store. The full snapshot lives in snapshot_json; the
// scalar columns exist for filtering and the revision check.
type Repo struct {
	DB     *sql.DB
	Writer events.Writer
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Writer: events.Writer{}}
}

func (r Repo) Close() error {
	return r.DB.Close()
}

func scanContract(row interface{ Scan(...any) error }) (domain.Contract, error) {
	var c domain.Contract
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return c, fmt.Errorf("decode contract snapshot: %w", err)
	}
	return c, nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Contract, error) {
	c, err := scanContract(r.DB.QueryRowContext(ctx, `SELECT snapshot_json FROM contracts WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return c, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (r Repo) List(ctx context.Context, f Filter) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.PartyID != "" {
		clauses = append(clauses, "(client_id=? OR freelancer_id=?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.SupersedesID != "" {
		clauses = append(clauses, "supersedes_id=?")
		args = append(args, f.SupersedesID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT snapshot_json FROM contracts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Save writes the snapshot if the stored revision still equals
// ExpectedRevision, together with its events and ledger rows.
func (r Repo) Save(ctx context.Context, cm Commit) (domain.Contract, error) {
	c := cm.NextRevision()
	data, err := json.Marshal(c)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("encode contract snapshot: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if cm.ExpectedRevision == 0 {
		if current, err := revisionTx(ctx, tx, c.ID); err == nil {
			return domain.Contract{}, &domain.ConcurrentModificationError{ContractID: c.ID, Expected: 0, Actual: current}
		} else if !errors.Is(err, ErrNotFound) {
			return domain.Contract{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO contracts(id,title,client_id,freelancer_id,status,total_value,escrow_balance,revision,supersedes_id,created_at,updated_at,snapshot_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.Title, c.ClientID, c.FreelancerID, string(c.Status), c.TotalValue, c.EscrowBalance, c.Revision, nullable(c.SupersedesID), c.CreatedAt, c.UpdatedAt, string(data)); err != nil {
			return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE contracts SET title=?,status=?,total_value=?,escrow_balance=?,revision=?,updated_at=?,snapshot_json=? WHERE id=? AND revision=?`,
			c.Title, string(c.Status), c.TotalValue, c.EscrowBalance, c.Revision, c.UpdatedAt, string(data), c.ID, cm.ExpectedRevision)
		if err != nil {
			return domain.Contract{}, fmt.Errorf("update contract: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			current, err := revisionTx(ctx, tx, c.ID)
			if err != nil {
				return domain.Contract{}, fmt.Errorf("contract %s: %w", c.ID, err)
			}
			return domain.Contract{}, &domain.ConcurrentModificationError{ContractID: c.ID, Expected: cm.ExpectedRevision, Actual: current}
		}
	}
	for _, e := range cm.Events {
		if err := r.Writer.Append(ctx, tx, e); err != nil {
			return domain.Contract{}, err
		}
	}
	for _, l := range cm.Ledger {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(contract_id,milestone_id,kind,amount,balance_after,actor_id,ts) VALUES (?,?,?,?,?,?,?)`,
			l.ContractID, nullable(l.MilestoneID), string(l.Kind), l.Amount, l.BalanceAfter, l.ActorID, l.TS); err != nil {
			return domain.Contract{}, fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func revisionTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, `SELECT revision FROM contracts WHERE id=?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return rev, err
}

func (r Repo) Events(ctx context.Context, contractID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,contract_id,COALESCE(milestone_id,''),actor_id,payload_json FROM events WHERE contract_id=? ORDER BY id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,contract_id,COALESCE(milestone_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ContractID, &e.MilestoneID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) Ledger(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,contract_id,COALESCE(milestone_id,''),kind,amount,balance_after,actor_id,ts FROM ledger_entries WHERE contract_id=? ORDER BY id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var l domain.LedgerEntry
		if err := rows.Scan(&l.ID, &l.ContractID, &l.MilestoneID, &l.Kind, &l.Amount, &l.BalanceAfter, &l.ActorID, &l.TS); err != nil {
			return nil, err
		}
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
