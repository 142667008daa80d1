package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"txrelay/internal/broadcast"
	"txrelay/internal/eventbus"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/sequence"
	"txrelay/internal/storage"
	"txrelay/internal/task/dedup"
	"txrelay/internal/task/retry"
	"txrelay/internal/testkit"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

type countSender struct {
	mu   sync.Mutex
	n    map[string]int
	fail error
}

func (c *countSender) bump(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[string]int{}
	}
	c.n[id]++
	return c.fail
}

func (c *countSender) SendRaw(_ context.Context, raw []byte) (string, error) {
	return string(raw), c.bump(string(raw))
}

func (c *countSender) Send(_ context.Context, tx txn.Signed) (string, error) {
	return tx.ID, c.bump(tx.ID)
}

func (c *countSender) calls(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

type chanConfirmer struct{ res chan txn.Status }

func (c *chanConfirmer) Await(ctx context.Context, _ string) (txn.Status, error) {
	select {
	case s := <-c.res:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type env struct {
	svc    *Service
	sender *countSender
	conf   *chanConfirmer
	coord  *broadcast.Coordinator
	sched  *retry.Scheduler
	clk    *testkit.SignalClock

	mu     sync.Mutex
	events []eventbus.TxEvent
}

func newEnv(t *testing.T, store storage.Store) *env {
	t.Helper()
	e := &env{
		sender: &countSender{},
		conf:   &chanConfirmer{res: make(chan txn.Status, 1)},
		clk:    testkit.NewSignalClock(),
	}
	sup := supervisor.New(context.Background())
	reg := dedup.New(e.clk)
	e.sched = retry.New(sup, retry.WithClock(e.clk))
	e.coord = broadcast.New(sup, reg, e.sched, broadcast.WithSender(e.sender))
	bus := eventbus.New(logx.Nop())
	bus.Subscribe(eventbus.TopicTx, func(ev eventbus.Event) {
		e.mu.Lock()
		e.events = append(e.events, ev.(eventbus.TxEvent))
		e.mu.Unlock()
	}, nil)
	orch := sequence.New(e.sender, e.coord, e.conf, bus)
	e.svc = New(Deps{
		Sender:       e.sender,
		Coordinator:  e.coord,
		Confirmer:    e.conf,
		Orchestrator: orch,
		Bus:          bus,
		Store:        store,
		Supervisor:   sup,
		Clock:        e.clk,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.sched.Stop(ctx)
		_ = sup.Stop(ctx)
	})
	return e
}

func (e *env) statuses() []txn.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]txn.Status, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Status
	}
	return out
}

func TestSendPublishesSentThenFinal(t *testing.T) {
	e := newEnv(t, nil)
	tx := txn.Signed{ID: "tx1", Raw: []byte("tx1")}

	id, err := e.svc.Send(context.Background(), Request{Tx: tx, Label: "swap"})
	if err != nil || id != "tx1" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if e.sched.Active() != 1 {
		t.Fatalf("resubmission loop not started")
	}

	e.conf.res <- txn.StatusSuccess
	testkit.Eventually(t, func() bool { return len(e.statuses()) == 2 }, "final event published")
	got := e.statuses()
	if got[0] != txn.StatusSent || got[1] != txn.StatusSuccess {
		t.Fatalf("statuses = %v", got)
	}
	testkit.Eventually(t, func() bool { return e.sched.Active() == 0 }, "loop cancelled on confirmation")
	if !e.coord.IsDone("tx1") {
		t.Fatalf("confirmed id must be done")
	}
	if _, err := e.svc.Send(context.Background(), Request{Tx: tx}); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("err = %v, want ErrAlreadyFinal", err)
	}
	if e.sender.calls("tx1") != 1 {
		t.Fatalf("sends = %d, want only the initial send", e.sender.calls("tx1"))
	}
}

func TestSendInFlightIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	tx := txn.Signed{ID: "tx2", Raw: []byte("tx2")}
	for i := 0; i < 2; i++ {
		if _, err := e.svc.Send(context.Background(), Request{Tx: tx}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if e.sender.calls("tx2") != 1 || len(e.statuses()) != 1 {
		t.Fatalf("duplicate send must not resend or republish")
	}
}

func TestSendInitialFailureKeepsIDSendable(t *testing.T) {
	e := newEnv(t, nil)
	tx := txn.Signed{ID: "tx3", Raw: []byte("tx3")}
	e.sender.fail = errors.New("node down")
	if _, err := e.svc.Send(context.Background(), Request{Tx: tx}); err == nil {
		t.Fatalf("expected error")
	}
	if got := e.statuses(); len(got) != 0 {
		t.Fatalf("failed initial send must not publish, got %v", got)
	}
	if e.sched.Active() != 0 || e.coord.Known("tx3") {
		t.Fatalf("no loop or registry entry after failed initial send")
	}

	e.sender.mu.Lock()
	e.sender.fail = nil
	e.sender.mu.Unlock()
	id, err := e.svc.Send(context.Background(), Request{Tx: tx})
	if err != nil || id != "tx3" {
		t.Fatalf("resubmit after failure = %q, %v", id, err)
	}
	if e.sender.calls("tx3") != 2 || e.sched.Active() != 1 {
		t.Fatalf("sends=%d active=%d", e.sender.calls("tx3"), e.sched.Active())
	}
	if got := e.statuses(); len(got) != 1 || got[0] != txn.StatusSent {
		t.Fatalf("statuses = %v", got)
	}
}

type slowSender struct {
	countSender
	delay time.Duration
}

func (s *slowSender) SendRaw(ctx context.Context, raw []byte) (string, error) {
	time.Sleep(s.delay)
	return s.countSender.SendRaw(ctx, raw)
}

func TestConcurrentSendSameIDSendsOnce(t *testing.T) {
	e := newEnv(t, nil)
	slow := &slowSender{delay: 5 * time.Millisecond}
	e.svc.sender = slow
	tx := txn.Signed{ID: "tx4", Raw: []byte("tx4")}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, err := e.svc.Send(context.Background(), Request{Tx: tx}); err != nil || id != "tx4" {
				t.Errorf("Send = %q, %v", id, err)
			}
		}()
	}
	wg.Wait()

	if n := slow.calls("tx4"); n != 1 {
		t.Fatalf("initial sends = %d, want 1", n)
	}
	if got := e.statuses(); len(got) != 1 || got[0] != txn.StatusSent {
		t.Fatalf("statuses = %v", got)
	}
	if e.sched.Active() != 1 {
		t.Fatalf("active loops = %d, want 1", e.sched.Active())
	}
}

func TestSendSequenceRejectsDoneStep(t *testing.T) {
	e := newEnv(t, nil)
	e.coord.Cancel("done")
	_, err := e.svc.SendSequence(context.Background(), []sequence.Step{
		{Tx: txn.Signed{ID: "fresh", Raw: []byte("fresh")}},
		{Tx: txn.Signed{ID: "done", Raw: []byte("done")}},
	}, sequence.Callbacks{})
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("err = %v, want ErrAlreadyFinal", err)
	}
	if e.sender.calls("fresh") != 0 || e.sender.calls("done") != 0 {
		t.Fatalf("nothing may be sent when a step is already final")
	}
}

func TestSendRejectsPersistedFinal(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.PutDone(context.Background(), "old", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutDone: %v", err)
	}
	e := newEnv(t, st)

	_, err = e.svc.Send(context.Background(), Request{Tx: txn.Signed{ID: "old", Raw: []byte("old")}})
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("err = %v, want ErrAlreadyFinal", err)
	}
	_, err = e.svc.SendSequence(context.Background(), []sequence.Step{{Tx: txn.Signed{ID: "old", Raw: []byte("old")}}}, sequence.Callbacks{})
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("sequence err = %v, want ErrAlreadyFinal", err)
	}
	if e.sender.calls("old") != 0 {
		t.Fatalf("persisted final id must not be sent")
	}
}

func TestSendSequenceDelegates(t *testing.T) {
	e := newEnv(t, nil)
	e.conf.res = make(chan txn.Status, 2)
	e.conf.res <- txn.StatusSuccess
	e.conf.res <- txn.StatusSuccess

	res, err := e.svc.SendSequence(context.Background(), []sequence.Step{
		{Tx: txn.Signed{ID: "a", Raw: []byte("a")}},
		{Tx: txn.Signed{ID: "b", Raw: []byte("b")}},
	}, sequence.Callbacks{})
	if err != nil || res.Failed {
		t.Fatalf("SendSequence = %+v, %v", res, err)
	}
	if !e.coord.IsDone("a") || !e.coord.IsDone("b") {
		t.Fatalf("confirmed steps must be done")
	}
}
