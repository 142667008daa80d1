package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"txrelay/internal/delivery"
	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/sequence"
	"txrelay/internal/testkit"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

// wireTx builds a legacy transaction with one signature filled with b.
func wireTx(b byte) string {
	raw := []byte{1}
	for i := 0; i < 64; i++ {
		raw = append(raw, b)
	}
	raw = append(raw, 0x01, 0x00, 0x01)
	return base64.StdEncoding.EncodeToString(raw)
}

type fakeDelivery struct {
	mu        sync.Mutex
	sent      []delivery.Request
	sequences [][]sequence.Step
	cancelled []string
	sendErr   error
	seqErr    error
}

func (f *fakeDelivery) Send(_ context.Context, req delivery.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, req)
	return req.Tx.ID, nil
}

func (f *fakeDelivery) SendSequence(_ context.Context, steps []sequence.Step, cb sequence.Callbacks) (sequence.Result, error) {
	f.mu.Lock()
	f.sequences = append(f.sequences, steps)
	err := f.seqErr
	f.mu.Unlock()
	if err != nil {
		return sequence.Result{FailedStep: -1}, err
	}
	cb.OnStart("seq-1")
	cb.OnSent()
	return sequence.Result{SequenceID: "seq-1", FailedStep: -1}, nil
}

func (f *fakeDelivery) Cancel(id string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
}

type fixture struct {
	srv *httptest.Server
	del *fakeDelivery
	bus *eventbus.Bus
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	sup := supervisor.New(context.Background())
	f := &fixture{del: &fakeDelivery{}, bus: eventbus.New(logx.Nop())}
	f.srv = httptest.NewServer(NewHandler(Deps{
		Delivery:   f.del,
		Bus:        f.bus,
		Metrics:    metrics.New(),
		Supervisor: sup,
		Heartbeat:  time.Hour,
	}, token))
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestSubmitSingle(t *testing.T) {
	f := newFixture(t, "")
	body := fmt.Sprintf(`{"transactions":[%q],"labels":["swap"]}`, wireTx(7))
	resp, out := f.do(t, http.MethodPost, "/v1/transactions", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, out)
	}
	var got submitResponse
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	f.del.mu.Lock()
	defer f.del.mu.Unlock()
	if got.ID == "" || len(f.del.sent) != 1 || f.del.sent[0].Label != "swap" || f.del.sent[0].Tx.ID != got.ID {
		t.Fatalf("unexpected result %+v, sent %+v", got, f.del.sent)
	}
}

func TestSubmitSequence(t *testing.T) {
	f := newFixture(t, "")
	body := fmt.Sprintf(`{"transactions":[%q,%q]}`, wireTx(1), wireTx(2))
	resp, out := f.do(t, http.MethodPost, "/v1/transactions", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, out)
	}
	var got submitResponse
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SequenceID != "seq-1" || len(got.IDs) != 2 || got.IDs[0] == got.IDs[1] {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestSubmitErrors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		sendErr error
		seqErr  error
		want    int
	}{
		{"bad json", `{`, nil, nil, http.StatusBadRequest},
		{"unknown field", `{"txs":[]}`, nil, nil, http.StatusBadRequest},
		{"empty", `{"transactions":[]}`, nil, nil, http.StatusBadRequest},
		{"not base64", `{"transactions":["***"]}`, nil, nil, http.StatusBadRequest},
		{"label mismatch", fmt.Sprintf(`{"transactions":[%q],"labels":["a","b"]}`, wireTx(1)), nil, nil, http.StatusBadRequest},
		{"already final", fmt.Sprintf(`{"transactions":[%q]}`, wireTx(1)), delivery.ErrAlreadyFinal, nil, http.StatusConflict},
		{"node down", fmt.Sprintf(`{"transactions":[%q]}`, wireTx(1)), fmt.Errorf("send: boom"), nil, http.StatusBadGateway},
		{"duplicate steps", fmt.Sprintf(`{"transactions":[%q,%q]}`, wireTx(1), wireTx(1)), nil, sequence.ErrPrecondition, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.del.sendErr, f.del.seqErr = tc.sendErr, tc.seqErr
			resp, out := f.do(t, http.MethodPost, "/v1/transactions", tc.body, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.want, out)
			}
			if !strings.Contains(out, `"error"`) {
				t.Fatalf("missing error body: %s", out)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodDelete, "/v1/transactions/sig-1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	f.del.mu.Lock()
	defer f.del.mu.Unlock()
	if len(f.del.cancelled) != 1 || f.del.cancelled[0] != "sig-1" {
		t.Fatalf("cancelled = %v", f.del.cancelled)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "s3cret")
	cases := []struct {
		name string
		path string
		hdr  map[string]string
		want int
	}{
		{"healthz open", "/healthz", nil, http.StatusOK},
		{"no token", "/metrics", nil, http.StatusUnauthorized},
		{"wrong token", "/metrics", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"header token", "/metrics", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query token", "/metrics?token=s3cret", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodGet, tc.path, "", tc.hdr)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	resp, out := f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(out, "go_goroutines") {
		t.Fatalf("status = %d, body lacks runtime metrics", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/events?terminal=1", nil)
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Subscribed once the connected comment arrived.
	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}

	f.bus.Publish(eventbus.TxEvent{ID: "a", Status: txn.StatusSent})
	f.bus.Publish(eventbus.TxEvent{ID: "a", Status: txn.StatusSuccess})

	var lines []string
	for len(lines) < 2 {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: tx" || !strings.Contains(lines[1], `"status":"success"`) {
		t.Fatalf("unexpected stream %v", lines)
	}

	cancel()
	testkit.Eventually(t, func() bool { return f.bus.Len(eventbus.TopicTx) == 0 }, "stream unsubscribed on disconnect")
}

func TestEventStreamRejectsUnknownTopic(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodGet, "/v1/events?topic=blocks", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Delivery: &fakeDelivery{}, Bus: eventbus.New(logx.Nop())})
	s.Start(context.Background())
	testkit.Eventually(t, func() bool { return s.Addr() != "" }, "listener bound")

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("listener still bound after disable")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{})
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	if s.Addr() != "" {
		t.Fatalf("insecure bind must be refused")
	}
}
