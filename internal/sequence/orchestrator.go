// Package sequence executes ordered transaction sequences where each step
// depends on the previous one having landed.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	"txrelay/internal/transport"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

var (
	ErrEmpty        = errors.New("sequence: no steps")
	ErrPrecondition = errors.New("sequence: precondition failed")
	ErrStepFailed   = errors.New("sequence: step failed")
)

// Confirmer blocks until a submitted transaction is terminal.
type Confirmer interface {
	Await(ctx context.Context, id string) (txn.Status, error)
}

// Retrier keeps sent transactions flowing until cancelled.
type Retrier interface {
	Submit(tx txn.Signed) error
	Cancel(id string)
}

type Publisher interface {
	Publish(eventbus.Event)
}

type Step struct {
	Tx    txn.Signed
	Label string
}

// Callbacks are invoked on the goroutine running Run.
type Callbacks struct {
	// OnStart receives the sequence id once preconditions passed, before the
	// first send.
	OnStart func(sequenceID string)
	// OnSent fires once, after the first step was submitted.
	OnSent func()
	// OnUpdate receives a snapshot after every step status change.
	OnUpdate func(eventbus.SequenceEvent)
	// OnError fires at most once per sequence.
	OnError func(error)
	// OnConfirmed fires once all steps succeeded and no error was reported.
	OnConfirmed func()
	// OnFinally fires once when Run returns, except on precondition failures.
	OnFinally func()
}

type Result struct {
	SequenceID string
	IDs        []string
	Failed     bool
	// FailedStep is the index of the failed step, -1 when none failed.
	FailedStep int
}

type Orchestrator struct {
	sender    transport.Sender
	retrier   Retrier
	confirmer Confirmer
	bus       Publisher
	met       *metrics.Metrics
	clk       clock.Clock
	log       logx.Logger
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.met = m } }
func WithLogger(l logx.Logger) Option       { return func(o *Orchestrator) { o.log = l } }
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clk = c
		}
	}
}

func New(sender transport.Sender, retrier Retrier, confirmer Confirmer, bus Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{sender: sender, retrier: retrier, confirmer: confirmer, bus: bus, clk: clock.New()}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

// Run executes steps strictly one after another: send, mark sent, await
// confirmation, mark terminal, next. A failed step stops the sequence; later
// steps are never sent.
//
// Run returns a non-nil error only for precondition failures, when the first
// send fails before any step status exists, or when ctx ends. Step failures
// are reported through Result.Failed and OnError.
func (o *Orchestrator) Run(ctx context.Context, steps []Step, cb Callbacks) (Result, error) {
	if err := o.check(steps); err != nil {
		return Result{FailedStep: -1}, err
	}

	st := newState(uuid.NewString(), steps)
	log := o.log.With(logx.String("seq", st.id), logx.Int("steps", len(steps)))
	res := Result{SequenceID: st.id, IDs: st.ids(), FailedStep: -1}
	if cb.OnFinally != nil {
		defer cb.OnFinally()
	}
	if cb.OnStart != nil {
		cb.OnStart(st.id)
	}

	for i := range st.steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		step := &st.steps[i]

		if _, err := transport.Send(ctx, o.sender, step.tx); err != nil {
			if i == 0 {
				o.reportError(st, cb, err)
				o.met.IncSequence("error")
				log.Warn("initial send failed", logx.Err(err))
				return res, fmt.Errorf("sequence %s: initial send: %w", st.id, err)
			}
			log.Warn("step send failed", logx.Int("step", i), logx.String("id", step.tx.ID), logx.Err(err))
			step.rejected = true
			o.update(st, i, txn.StatusError, cb)
			o.reportError(st, cb, fmt.Errorf("%w: step %d (%s): %v", ErrStepFailed, i, step.tx.ID, err))
			break
		}

		o.update(st, i, txn.StatusSent, cb)
		if i == 0 && cb.OnSent != nil {
			cb.OnSent()
		}

		status, err := o.confirmer.Await(ctx, step.tx.ID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			log.Warn("step not confirmed", logx.Int("step", i), logx.String("id", step.tx.ID), logx.Err(err))
			status = txn.StatusError
		}
		if !status.Terminal() {
			status = txn.StatusError
		}
		o.update(st, i, status, cb)
		if status == txn.StatusError {
			if err == nil {
				err = errors.New("transaction failed on chain")
			}
			o.reportError(st, cb, fmt.Errorf("%w: step %d (%s): %v", ErrStepFailed, i, step.tx.ID, err))
			break
		}
	}

	if st.failed >= 0 {
		res.Failed = true
		res.FailedStep = st.failed
		o.met.IncSequence("error")
		return res, nil
	}
	o.met.IncSequence("success")
	if !st.errLatched && cb.OnConfirmed != nil {
		cb.OnConfirmed()
	}
	log.Info("sequence confirmed")
	return res, nil
}

func (o *Orchestrator) check(steps []Step) error {
	if len(steps) == 0 {
		return ErrEmpty
	}
	if o.sender == nil {
		return fmt.Errorf("%w: no transport", ErrPrecondition)
	}
	if o.confirmer == nil {
		return fmt.Errorf("%w: no confirmer", ErrPrecondition)
	}
	seen := make(map[string]struct{}, len(steps))
	for i, s := range steps {
		if s.Tx.ID == "" || len(s.Tx.Raw) == 0 {
			return fmt.Errorf("%w: step %d has no signed payload", ErrPrecondition, i)
		}
		if _, dup := seen[s.Tx.ID]; dup {
			return fmt.Errorf("%w: step %d repeats transaction %s", ErrPrecondition, i, s.Tx.ID)
		}
		seen[s.Tx.ID] = struct{}{}
	}
	return nil
}

// update records a status change, hands sent steps to the retrier, cancels
// terminal ones and surfaces the snapshot. Rejected steps never had a loop and
// are not cancelled, so their id can be sent again later.
func (o *Orchestrator) update(st *state, idx int, status txn.Status, cb Callbacks) {
	prev := st.steps[idx].status
	st.steps[idx].status = status
	if status == txn.StatusError && st.failed < 0 {
		st.failed = idx
	}

	o.applyRetry(st)

	snap := st.snapshot(o.clk.Now())
	if cb.OnUpdate != nil {
		cb.OnUpdate(snap)
	}
	if status.Terminal() && !prev.Terminal() && o.bus != nil {
		o.bus.Publish(snap)
	}
}

func (o *Orchestrator) applyRetry(st *state) {
	if o.retrier == nil {
		return
	}
	for _, s := range st.steps {
		switch {
		case s.status == txn.StatusSent:
			if err := o.retrier.Submit(s.tx); err != nil {
				o.log.Debug("resubmission not started", logx.String("id", s.tx.ID), logx.Err(err))
			}
		case s.status.Terminal() && !s.rejected:
			o.retrier.Cancel(s.tx.ID)
		}
	}
}

func (o *Orchestrator) reportError(st *state, cb Callbacks, err error) {
	if st.errLatched {
		return
	}
	st.errLatched = true
	if cb.OnError != nil {
		cb.OnError(err)
	}
}
