// Package notify forwards journal events to outside systems. A Dispatcher
// polls the journal and hands each new event to every sink, keeping one
// cursor per sink so a failing sink does not hold the others back.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trustvault/internal/domain"
	"trustvault/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives events in journal order.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, e domain.Event) error
}

type Dispatcher struct {
	Journal  repo.Journal
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Log      *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Dispatcher) batch() int {
	if d.Batch > 0 {
		return d.Batch
	}
	return defaultBatch
}

// StartAt positions every sink's cursor. Events with ids up to and
// including cursor are never delivered.
func (d *Dispatcher) StartAt(cursor int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = make(map[string]int64, len(d.Sinks))
	for _, s := range d.Sinks {
		d.cursors[s.Name()] = cursor
	}
}

func (d *Dispatcher) cursor(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[name]
}

func (d *Dispatcher) setCursor(name string, v int64) {
	d.mu.Lock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	d.cursors[name] = v
	d.mu.Unlock()
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger().Warn("notify: poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll delivers one batch to every sink concurrently. A sink that fails
// keeps its cursor at the last delivered event and retries next poll.
func (d *Dispatcher) Poll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.Sinks {
		g.Go(func() error {
			return d.drain(gctx, s)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) drain(ctx context.Context, s Sink) error {
	events, err := d.Journal.EventsAfter(ctx, d.cursor(s.Name()), d.batch())
	if err != nil {
		return err
	}
	for _, e := range events {
		if s.Accepts(e.Type) {
			if err := s.Deliver(ctx, e); err != nil {
				d.logger().Warn("notify: delivery failed", "sink", s.Name(), "event_id", e.ID, "type", e.Type, "err", err)
				return nil
			}
			d.logger().Debug("notify: delivered", "sink", s.Name(), "event_id", e.ID, "type", e.Type)
		}
		d.setCursor(s.Name(), e.ID)
	}
	return nil
}

// LatestCursor pages through the journal and returns the newest event id.
func LatestCursor(ctx context.Context, j repo.Journal) (int64, error) {
	var cursor int64
	for {
		events, err := j.EventsAfter(ctx, cursor, 500)
		if err != nil {
			return 0, err
		}
		if len(events) == 0 {
			return cursor, nil
		}
		cursor = events[len(events)-1].ID
		if len(events) < 500 {
			return cursor, nil
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types, or prefixes written as "dispute.*".
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
