package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"txrelay/internal/broadcast"
	"txrelay/internal/eventbus"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/task/dedup"
	"txrelay/internal/task/retry"
	"txrelay/internal/testkit"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

type recSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	count map[string]int
}

func newRecSender() *recSender {
	return &recSender{fail: map[string]error{}, count: map[string]int{}}
}

func (s *recSender) record(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, id)
	s.count[id]++
	return s.fail[id]
}

func (s *recSender) SendRaw(_ context.Context, raw []byte) (string, error) {
	id := string(raw)
	return id, s.record(id)
}

func (s *recSender) Send(_ context.Context, tx txn.Signed) (string, error) {
	return tx.ID, s.record(tx.ID)
}

func (s *recSender) calls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count[id]
}

func (s *recSender) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// gateConfirmer answers Await(id) with whatever is pushed on its gate.
type gateConfirmer struct {
	mu    sync.Mutex
	gates map[string]chan txn.Status
}

func newGateConfirmer(ids ...string) *gateConfirmer {
	g := &gateConfirmer{gates: map[string]chan txn.Status{}}
	for _, id := range ids {
		g.gates[id] = make(chan txn.Status, 1)
	}
	return g
}

func (g *gateConfirmer) resolve(id string, s txn.Status) {
	g.mu.Lock()
	ch := g.gates[id]
	g.mu.Unlock()
	ch <- s
}

func (g *gateConfirmer) Await(ctx context.Context, id string) (txn.Status, error) {
	g.mu.Lock()
	ch := g.gates[id]
	g.mu.Unlock()
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type recRetrier struct {
	mu  sync.Mutex
	ops []string
}

func (r *recRetrier) Submit(tx txn.Signed) error {
	r.mu.Lock()
	r.ops = append(r.ops, "submit:"+tx.ID)
	r.mu.Unlock()
	return nil
}

func (r *recRetrier) Cancel(id string) {
	r.mu.Lock()
	r.ops = append(r.ops, "cancel:"+id)
	r.mu.Unlock()
}

type cbCounter struct {
	sent, errs, confirmed, finally int
	updates                        []eventbus.SequenceEvent
	lastErr                        error
}

func (c *cbCounter) callbacks() Callbacks {
	return Callbacks{
		OnSent:      func() { c.sent++ },
		OnUpdate:    func(e eventbus.SequenceEvent) { c.updates = append(c.updates, e) },
		OnError:     func(err error) { c.errs++; c.lastErr = err },
		OnConfirmed: func() { c.confirmed++ },
		OnFinally:   func() { c.finally++ },
	}
}

func step(id, label string) Step {
	return Step{Tx: txn.Signed{ID: id, Raw: []byte(id)}, Label: label}
}

func collect(bus *eventbus.Bus) *[]eventbus.SequenceEvent {
	var got []eventbus.SequenceEvent
	bus.Subscribe(eventbus.TopicSequence, func(e eventbus.Event) {
		got = append(got, e.(eventbus.SequenceEvent))
	}, nil)
	return &got
}

func TestTwoStepSequenceSucceeds(t *testing.T) {
	sender := newRecSender()
	conf := newGateConfirmer("A", "B")
	conf.resolve("A", txn.StatusSuccess)
	conf.resolve("B", txn.StatusSuccess)
	retrier := &recRetrier{}
	bus := eventbus.New(logx.Nop())
	events := collect(bus)

	o := New(sender, retrier, conf, bus)
	var cb cbCounter
	res, err := o.Run(context.Background(), []Step{step("A", "remove liquidity"), step("B", "migrate")}, cb.callbacks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(*events) != 2 {
		t.Fatalf("sequence events = %d, want 2", len(*events))
	}
	last := (*events)[1]
	if last.ProcessedSteps != last.TotalSteps || last.TotalSteps != 2 || last.Failed {
		t.Fatalf("final event not fully processed: %+v", last)
	}
	if first := (*events)[0]; first.ProcessedSteps != 1 || first.Steps[1].Status != txn.StatusPending {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if last.Steps[0].Role != txn.RolePreparatory || last.Steps[1].Role != txn.RoleFinal || last.Label != "migrate" {
		t.Fatalf("unexpected roles/labels: %+v", last)
	}
	if cb.sent != 1 || cb.confirmed != 1 || cb.errs != 0 || cb.finally != 1 || len(cb.updates) != 4 {
		t.Fatalf("callbacks: %+v", cb)
	}
	if res.Failed || res.FailedStep != -1 || len(res.IDs) != 2 || res.SequenceID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []string{
		"submit:A",
		"cancel:A",
		"cancel:A", "submit:B",
		"cancel:A", "cancel:B",
	}
	if len(retrier.ops) != len(want) {
		t.Fatalf("retrier ops = %v, want %v", retrier.ops, want)
	}
	for i := range want {
		if retrier.ops[i] != want[i] {
			t.Fatalf("retrier ops = %v, want %v", retrier.ops, want)
		}
	}
}

func TestStepsRunStrictlyInOrder(t *testing.T) {
	sender := newRecSender()
	conf := newGateConfirmer("A", "B")
	o := New(sender, &recRetrier{}, conf, nil)

	done := make(chan Result, 1)
	go func() {
		res, _ := o.Run(context.Background(), []Step{step("A", ""), step("B", "")}, Callbacks{})
		done <- res
	}()

	testkit.Eventually(t, func() bool { return sender.calls("A") == 1 }, "first step sent")
	time.Sleep(10 * time.Millisecond)
	if sender.calls("B") != 0 {
		t.Fatalf("second step sent before first was confirmed")
	}
	conf.resolve("A", txn.StatusSuccess)
	testkit.Eventually(t, func() bool { return sender.calls("B") == 1 }, "second step sent")
	conf.resolve("B", txn.StatusSuccess)

	<-done
	if got := sender.order(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("send order = %v", got)
	}
}

func TestFailedStepStopsSequenceAndResubmission(t *testing.T) {
	clk := testkit.NewSignalClock()
	sup := supervisor.New(context.Background())
	reg := dedup.New(clk)
	sched := retry.New(sup, retry.WithClock(clk))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
		_ = sup.Stop(ctx)
	})
	sender := newRecSender()
	coord := broadcast.New(sup, reg, sched, broadcast.WithSender(sender))
	conf := newGateConfirmer("A", "B")
	conf.resolve("A", txn.StatusError)
	bus := eventbus.New(logx.Nop())
	events := collect(bus)

	o := New(sender, coord, conf, bus)
	var cb cbCounter
	res, err := o.Run(context.Background(), []Step{step("A", ""), step("B", "")}, cb.callbacks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || res.FailedStep != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if cb.errs != 1 || cb.confirmed != 0 || cb.finally != 1 {
		t.Fatalf("callbacks: %+v", cb)
	}
	if !errors.Is(cb.lastErr, ErrStepFailed) {
		t.Fatalf("OnError got %v, want ErrStepFailed", cb.lastErr)
	}
	if len(*events) != 1 || !(*events)[0].Failed {
		t.Fatalf("expected one failed sequence event, got %+v", *events)
	}

	testkit.Eventually(t, func() bool { return sched.Active() == 0 }, "resubmission of failed step cancelled")
	clk.Add(time.Minute)
	if n := sender.calls("A"); n != 1 {
		t.Fatalf("failed step sent %d times, want only the initial send", n)
	}
	if sender.calls("B") != 0 {
		t.Fatalf("step after a failed step must not be sent")
	}
	if !reg.IsDone("A") {
		t.Fatalf("failed step must be marked done")
	}
}

func TestInitialSendFailureRejects(t *testing.T) {
	sender := newRecSender()
	boom := errors.New("blockhash expired")
	sender.fail["A"] = boom
	bus := eventbus.New(logx.Nop())
	events := collect(bus)

	o := New(sender, &recRetrier{}, newGateConfirmer("A"), bus)
	var cb cbCounter
	_, err := o.Run(context.Background(), []Step{step("A", ""), step("B", "")}, cb.callbacks())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if cb.errs != 1 || cb.sent != 0 || cb.finally != 1 || len(cb.updates) != 0 {
		t.Fatalf("callbacks: %+v", cb)
	}
	if len(*events) != 0 {
		t.Fatalf("no events expected before any step status exists")
	}
}

func TestLaterSendFailureIsStepError(t *testing.T) {
	sender := newRecSender()
	sender.fail["B"] = errors.New("node unavailable")
	conf := newGateConfirmer("A", "B")
	conf.resolve("A", txn.StatusSuccess)

	bus := eventbus.New(logx.Nop())
	events := collect(bus)
	ret := &recRetrier{}
	o := New(sender, ret, conf, bus)
	var cb cbCounter
	res, err := o.Run(context.Background(), []Step{step("A", ""), step("B", "")}, cb.callbacks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || res.FailedStep != 1 || cb.errs != 1 || cb.confirmed != 0 {
		t.Fatalf("res=%+v cb=%+v", res, cb)
	}

	last := (*events)[len(*events)-1]
	if b := last.Steps[1]; b.Status != txn.StatusError || !b.Rejected {
		t.Fatalf("step B = %+v, want rejected error", b)
	}
	if a := last.Steps[0]; a.Rejected {
		t.Fatalf("confirmed step flagged rejected")
	}
	ret.mu.Lock()
	defer ret.mu.Unlock()
	for _, op := range ret.ops {
		if op == "cancel:B" || op == "submit:B" {
			t.Fatalf("rejected step must not touch the retrier, ops=%v", ret.ops)
		}
	}
}

func TestPreconditions(t *testing.T) {
	sender := newRecSender()
	conf := newGateConfirmer()
	tests := []struct {
		name  string
		o     *Orchestrator
		steps []Step
		want  error
	}{
		{"empty", New(sender, nil, conf, nil), nil, ErrEmpty},
		{"no transport", New(nil, nil, conf, nil), []Step{step("A", "")}, ErrPrecondition},
		{"no confirmer", New(sender, nil, nil, nil), []Step{step("A", "")}, ErrPrecondition},
		{"unsigned step", New(sender, nil, conf, nil), []Step{{Tx: txn.Signed{}}}, ErrPrecondition},
		{"repeated step", New(sender, nil, conf, nil), []Step{step("A", ""), step("A", "")}, ErrPrecondition},
	}
	for _, tt := range tests {
		var cb cbCounter
		_, err := tt.o.Run(context.Background(), tt.steps, cb.callbacks())
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
		if cb.finally != 0 || cb.errs != 0 {
			t.Fatalf("%s: callbacks must not fire on precondition failure", tt.name)
		}
	}
	if sender.calls("A") != 0 {
		t.Fatalf("nothing may be sent on precondition failure")
	}
}

func TestContextCancelWhileAwaiting(t *testing.T) {
	sender := newRecSender()
	o := New(sender, &recRetrier{}, newGateConfirmer("A"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, []Step{step("A", "")}, Callbacks{})
		errCh <- err
	}()
	testkit.Eventually(t, func() bool { return sender.calls("A") == 1 }, "step sent")
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
