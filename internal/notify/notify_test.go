package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"trustvault/internal/config"
	"trustvault/internal/domain"
)

type memJournal struct {
	events []domain.Event
}

func (m memJournal) Events(context.Context, string) ([]domain.Event, error) { return m.events, nil }

func (m memJournal) Ledger(context.Context, string) ([]domain.LedgerEntry, error) { return nil, nil }

func (m memJournal) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func journal(types ...string) memJournal {
	var j memJournal
	for i, typ := range types {
		j.events = append(j.events, domain.Event{ID: int64(i + 1), Type: typ, ContractID: "CNT-1", ActorID: "rajesh", TS: "2024-03-01T09:00:00Z"})
	}
	return j
}

type recordingSink struct {
	name   string
	filter eventFilter
	fail   bool
	mu     sync.Mutex
	got    []int64
}

func (s *recordingSink) Name() string          { return s.name }
func (s *recordingSink) Accepts(t string) bool { return s.filter.match(t) }
func (s *recordingSink) Deliver(_ context.Context, e domain.Event) error {
	if s.fail {
		return errors.New("down")
	}
	s.mu.Lock()
	s.got = append(s.got, e.ID)
	s.mu.Unlock()
	return nil
}

func TestPollAdvancesPerSinkCursors(t *testing.T) {
	j := journal("contract.created", "milestone.funded", "dispute.raised", "dispute.scored")
	all := &recordingSink{name: "all", filter: newEventFilter(nil)}
	disputes := &recordingSink{name: "disputes", filter: newEventFilter([]string{"dispute.*"})}
	broken := &recordingSink{name: "broken", filter: newEventFilter(nil), fail: true}
	d := &Dispatcher{Journal: j, Sinks: []Sink{all, disputes, broken}}
	d.StartAt(1)

	if err := d.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(all.got) != 3 || all.got[0] != 2 {
		t.Fatalf("all sink got %v", all.got)
	}
	if len(disputes.got) != 2 || disputes.got[0] != 3 {
		t.Fatalf("dispute sink got %v", disputes.got)
	}
	if d.cursor("all") != 4 || d.cursor("disputes") != 4 || d.cursor("broken") != 1 {
		t.Fatalf("cursors all=%d disputes=%d broken=%d", d.cursor("all"), d.cursor("disputes"), d.cursor("broken"))
	}
	if err := d.Poll(context.Background()); err != nil || len(all.got) != 3 {
		t.Fatalf("second poll redelivered: %v %v", err, all.got)
	}
}

func TestLatestCursor(t *testing.T) {
	got, err := LatestCursor(context.Background(), journal("a", "b", "c"))
	if err != nil || got != 3 {
		t.Fatalf("latest = %d %v", got, err)
	}
	got, _ = LatestCursor(context.Background(), memJournal{})
	if got != 0 {
		t.Fatalf("empty journal cursor %d", got)
	}
}

func TestWebhookSignsBody(t *testing.T) {
	type delivery struct {
		body []byte
		sig  string
		typ  string
	}
	deliveries := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		deliveries <- delivery{body: body, sig: r.Header.Get("X-Trustvault-Signature"), typ: r.Header.Get("X-Trustvault-Event")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(config.Webhook{URL: srv.URL, Secret: "topsecret", Enabled: true}, srv.Client())
	evt := domain.Event{ID: 7, Type: "milestone.paid", ContractID: "CNT-1", ActorID: "rajesh"}
	if err := hook.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got := <-deliveries
	if got.typ != "milestone.paid" || !Verify("topsecret", got.body, got.sig) {
		t.Fatalf("bad delivery %+v", got)
	}
	if Verify("other", got.body, got.sig) {
		t.Fatalf("signature verified under wrong secret")
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	hook := NewWebhook(config.Webhook{URL: srv.URL}, srv.Client())
	if err := hook.Deliver(context.Background(), domain.Event{ID: 1, Type: "x"}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByContract(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "trustvault.events", filter: newEventFilter(nil)}
	evt := domain.Event{ID: 3, Type: "escrow.funded", ContractID: "CNT-9", TS: "2024-03-01T09:00:00Z"}
	if err := p.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "CNT-9" || w.msgs[0].Topic != "trustvault.events" || w.msgs[0].Time.IsZero() {
		t.Fatalf("message %+v", w.msgs)
	}
	if _, err := NewKafkaPublisher(nil, "t", nil); err == nil {
		t.Fatalf("expected broker error")
	}
}

func TestFromConfigSkipsDisabledHooks(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Webhooks = []config.Webhook{
		{Name: "on", URL: "http://127.0.0.1:1/hook", Enabled: true},
		{Name: "off", URL: "http://127.0.0.1:1/hook"},
	}
	sinks, closer, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	defer closer.Close()
	if len(sinks) != 1 || sinks[0].Name() != "on" {
		t.Fatalf("sinks %v", sinks)
	}
}
