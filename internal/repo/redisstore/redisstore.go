// Package redisstore keeps contracts in Redis. Saves run under WATCH on the
// contract key so a concurrent writer aborts the MULTI block.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"trustvault/internal/domain"
	"trustvault/internal/repo"
)

const defaultPrefix = "tv"

type Store struct {
	client *redis.Client
	prefix string
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func Open(ctx context.Context, redisURL string) (*Store, error) {
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return New(client, defaultPrefix), nil
}

// New wraps an existing client. prefix namespaces every key.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) contractKey(id string) string { return s.prefix + ":contract:" + id }
func (s *Store) eventsKey(id string) string   { return s.prefix + ":contract:" + id + ":events" }
func (s *Store) ledgerKey(id string) string   { return s.prefix + ":contract:" + id + ":ledger" }
func (s *Store) indexKey() string             { return s.prefix + ":contracts" }
func (s *Store) journalKey() string           { return s.prefix + ":events" }
func (s *Store) eventSeqKey() string          { return s.prefix + ":events:seq" }
func (s *Store) ledgerSeqKey() string         { return s.prefix + ":ledger:seq" }

// indexMember sorts lexically by creation time then id.
func indexMember(c domain.Contract) string {
	return c.CreatedAt + "|" + c.ID
}

func (s *Store) Get(ctx context.Context, id string) (domain.Contract, error) {
	data, err := s.client.Get(ctx, s.contractKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Contract{}, fmt.Errorf("contract %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	return decode(data)
}

func decode(data []byte) (domain.Contract, error) {
	var c domain.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode contract snapshot: %w", err)
	}
	return c, nil
}

func (s *Store) List(ctx context.Context, f repo.Filter) ([]domain.Contract, error) {
	members, err := s.client.ZRevRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		_, id, _ := strings.Cut(m, "|")
		keys = append(keys, s.contractKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var res []domain.Contract
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		c, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if !f.Matches(c) || !f.After(c) {
			continue
		}
		res = append(res, c)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

func (s *Store) Save(ctx context.Context, cm repo.Commit) (domain.Contract, error) {
	c := cm.NextRevision()
	data, err := json.Marshal(c)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("encode contract snapshot: %w", err)
	}
	key := s.contractKey(c.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedRevision(ctx, tx, key)
		switch {
		case errors.Is(err, repo.ErrNotFound) && cm.ExpectedRevision == 0:
		case errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("contract %s: %w", c.ID, repo.ErrNotFound)
		case err != nil:
			return err
		case current != cm.ExpectedRevision:
			return &domain.ConcurrentModificationError{ContractID: c.ID, Expected: cm.ExpectedRevision, Actual: current}
		}

		events, err := s.numberEvents(ctx, tx, cm.Events)
		if err != nil {
			return err
		}
		ledger, err := s.numberLedger(ctx, tx, cm.Ledger)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: indexMember(c)})
			for _, e := range events {
				pipe.RPush(ctx, s.eventsKey(c.ID), e.raw)
				pipe.ZAdd(ctx, s.journalKey(), redis.Z{Score: float64(e.id), Member: e.raw})
			}
			for _, l := range ledger {
				pipe.RPush(ctx, s.ledgerKey(c.ID), l)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		current, rerr := storedRevision(ctx, s.client, key)
		if rerr != nil {
			return domain.Contract{}, rerr
		}
		return domain.Contract{}, &domain.ConcurrentModificationError{ContractID: c.ID, Expected: cm.ExpectedRevision, Actual: current}
	}
	if err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

type numbered struct {
	id  int64
	raw string
}

// numberEvents reserves journal ids. Ids burnt by an aborted transaction
// leave gaps, which readers tolerate.
func (s *Store) numberEvents(ctx context.Context, tx *redis.Tx, in []domain.Event) ([]numbered, error) {
	if len(in) == 0 {
		return nil, nil
	}
	last, err := tx.IncrBy(ctx, s.eventSeqKey(), int64(len(in))).Result()
	if err != nil {
		return nil, err
	}
	out := make([]numbered, len(in))
	for i, e := range in {
		e.ID = last - int64(len(in)) + int64(i) + 1
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		out[i] = numbered{id: e.ID, raw: string(raw)}
	}
	return out, nil
}

func (s *Store) numberLedger(ctx context.Context, tx *redis.Tx, in []domain.LedgerEntry) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	last, err := tx.IncrBy(ctx, s.ledgerSeqKey(), int64(len(in))).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(in))
	for i, l := range in {
		l.ID = last - int64(len(in)) + int64(i) + 1
		raw, err := json.Marshal(l)
		if err != nil {
			return nil, fmt.Errorf("marshal ledger entry: %w", err)
		}
		out[i] = string(raw)
	}
	return out, nil
}

func storedRevision(ctx context.Context, r redis.Cmdable, key string) (int64, error) {
	data, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, repo.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	c, err := decode(data)
	if err != nil {
		return 0, err
	}
	return c.Revision, nil
}

func (s *Store) Events(ctx context.Context, contractID string) ([]domain.Event, error) {
	raws, err := s.client.LRange(ctx, s.eventsKey(contractID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeEvents(raws)
}

func (s *Store) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.client.ZRangeByScore(ctx, s.journalKey(), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(cursor, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	return decodeEvents(raws)
}

func decodeEvents(raws []string) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(raws))
	for _, raw := range raws {
		var e domain.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Ledger(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	raws, err := s.client.LRange(ctx, s.ledgerKey(contractID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerEntry, 0, len(raws))
	for _, raw := range raws {
		var l domain.LedgerEntry
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}
