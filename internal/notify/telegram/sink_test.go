package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type chanPoster struct {
	out  chan string
	fail error
}

func (p *chanPoster) Post(_ context.Context, text string) error {
	p.out <- text
	return p.fail
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatalf("no notification posted")
		return ""
	}
}

func TestSinkPostsOnlyTerminalEvents(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	p := &chanPoster{out: make(chan string, 8)}
	s := New(p, Config{RatePerSec: 1000})
	s.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bus.Publish(eventbus.TxEvent{ID: "a", Status: txn.StatusSent})
	bus.Publish(eventbus.SequenceEvent{SequenceID: "s", TotalSteps: 2, ProcessedSteps: 1})
	bus.Publish(eventbus.TxEvent{ID: "a", Status: txn.StatusSuccess, Label: "Swap"})

	got := recv(t, p.out)
	if !strings.Contains(got, "Swap") || !strings.Contains(got, "success") {
		t.Fatalf("unexpected message %q", got)
	}
	select {
	case extra := <-p.out:
		t.Fatalf("non-terminal event posted: %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSinkOnlyFailures(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	p := &chanPoster{out: make(chan string, 8)}
	s := New(p, Config{RatePerSec: 1000, OnlyFailures: true})
	s.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bus.Publish(eventbus.TxEvent{ID: "ok", Status: txn.StatusSuccess})
	bus.Publish(eventbus.SequenceEvent{
		SequenceID: "s", TotalSteps: 2, ProcessedSteps: 1, Failed: true,
		Steps: []eventbus.StepSnapshot{{Index: 0, ID: "first", Status: txn.StatusError}, {Index: 1, ID: "second", Status: txn.StatusPending}},
	})

	got := recv(t, p.out)
	if !strings.Contains(got, "step 1 failed") || !strings.Contains(got, "first") {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	m := metrics.New()
	s := New(&chanPoster{out: make(chan string, 8)}, Config{QueueSize: 2}, WithMetrics(m))
	s.Attach(bus)

	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.TxEvent{ID: "x", Status: txn.StatusError})
	}
	if s.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", s.Dropped())
	}
	if got := testutil.ToFloat64(m.NotifyDropped); got != 3 {
		t.Fatalf("metric = %v, want 3", got)
	}

	s.Detach()
	if bus.Len(eventbus.TopicTx) != 0 || bus.Len(eventbus.TopicSequence) != 0 {
		t.Fatalf("Detach left subscriptions behind")
	}
}

func TestSinkSurvivesPostErrors(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	p := &chanPoster{out: make(chan string, 8), fail: errors.New("429")}
	s := New(p, Config{RatePerSec: 1000})
	s.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	bus.Publish(eventbus.TxEvent{ID: "a", Status: txn.StatusError})
	bus.Publish(eventbus.TxEvent{ID: "b", Status: txn.StatusError})
	recv(t, p.out)
	recv(t, p.out)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestFormat(t *testing.T) {
	long := strings.Repeat("A", 44)
	cases := []struct {
		name string
		ev   eventbus.Event
		want []string
	}{
		{"tx default title", eventbus.TxEvent{ID: "abc", Status: txn.StatusSuccess}, []string{"✅", "<b>Transaction</b>", "<code>abc</code>"}},
		{"tx escaped", eventbus.TxEvent{ID: long, Status: txn.StatusError, Label: "<x>", Error: "a&b"}, []string{"❌", "&lt;x&gt;", "a&amp;b", "AAAAAA…AAAAAA"}},
		{"sequence", eventbus.SequenceEvent{Label: "Migrate", TotalSteps: 2, ProcessedSteps: 2}, []string{"<b>Migrate</b>", "2/2 steps"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Format(tc.ev)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("Format = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestBotPosterSendsHTML(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"}}}`))
	}))
	defer srv.Close()

	p, err := NewBotPoster(BotConfig{Token: "123:abc", ChatID: 42, ThreadID: 9, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewBotPoster: %v", err)
	}
	if err := p.Post(context.Background(), "<b>hi</b>"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if body["text"] != "<b>hi</b>" || body["parse_mode"] != "HTML" {
		t.Fatalf("body = %v", body)
	}
}

func TestNewBotPosterRequiresTarget(t *testing.T) {
	if _, err := NewBotPoster(BotConfig{ChatID: 1}); err == nil {
		t.Fatalf("missing token must fail")
	}
	if _, err := NewBotPoster(BotConfig{Token: "t"}); err == nil {
		t.Fatalf("missing chat must fail")
	}
}
