package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is what an attempt tells the loop to do next.
type Outcome int

const (
	// Continue waits Interval and tries again (until MaxAttempts).
	Continue Outcome = iota
	// Succeed ends the loop successfully.
	Succeed
	// Fail ends the loop with the returned error.
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Succeed:
		return "succeeded"
	case Fail:
		return "failed"
	}
	return "unknown"
}

// Action performs one attempt. attempt starts at 1.
type Action func(ctx context.Context, attempt int) (Outcome, error)

type Options struct {
	ID string

	// MaxAttempts <= 0 uses the scheduler default.
	MaxAttempts int
	// Interval <= 0 uses the scheduler default.
	Interval time.Duration
	// InitialDelay < 0 uses the scheduler default; 0 runs the first attempt
	// immediately.
	InitialDelay time.Duration

	// OnDone runs once on the loop goroutine after the task left the
	// scheduler table and before Done is closed.
	OnDone func(Result)
}

// Result describes how a loop ended.
type Result struct {
	ID       string
	Attempts int
	// Outcome is Succeed or Fail.
	Outcome Outcome
	// Err is nil on success, otherwise ErrExhausted, ErrCancelled, ErrStopped
	// or the error the action failed with.
	Err error
}

// Reason is a short label for logs and metrics.
func (r Result) Reason() string {
	switch {
	case r.Outcome == Succeed:
		return "succeeded"
	case r.Err == nil:
		return "failed"
	case errors.Is(r.Err, ErrCancelled):
		return "cancelled"
	case errors.Is(r.Err, ErrExhausted):
		return "exhausted"
	case errors.Is(r.Err, ErrStopped):
		return "stopped"
	}
	return "failed"
}

// Task is a live retry loop.
type Task struct {
	id          string
	maxAttempts int
	interval    time.Duration
	delay       time.Duration
	onDone      func(Result)

	attempts atomic.Int64

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	res        Result
}

func (t *Task) ID() string { return t.id }

// Attempts returns how many attempts have started so far.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

// Done is closed when the loop ended.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result is valid once Done is closed.
func (t *Task) Result() Result {
	select {
	case <-t.done:
		return t.res
	default:
		return Result{ID: t.id, Attempts: t.Attempts()}
	}
}

// Cancel halts further attempts. An attempt already running finishes and its
// outcome is discarded.
func (t *Task) Cancel() { t.cancelOnce.Do(func() { close(t.cancelCh) }) }

func (t *Task) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}
