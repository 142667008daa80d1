// Package confirm waits for submitted transactions to land by polling the
// node for signature statuses.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"txrelay/internal/task/retry"
	"txrelay/internal/transport"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

var (
	ErrUnconfirmed = errors.New("confirm: not confirmed before the poll ceiling")
	ErrNoReader    = errors.New("confirm: no status reader")
)

type Config struct {
	PollInterval time.Duration
	MaxPolls     int
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 45
	}
	return c
}

// flight is one polling loop shared by every Await on the same id.
type flight struct {
	id      string
	task    *retry.Task
	status  txn.Status
	waiters int
}

type Watcher struct {
	reader transport.StatusReader
	sched  *retry.Scheduler
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	flights map[string]*flight
	seq     uint64
}

func New(reader transport.StatusReader, sched *retry.Scheduler, cfg Config, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{reader: reader, sched: sched, log: log, cfg: cfg.normalize(), flights: map[string]*flight{}}
}

func (w *Watcher) SetConfig(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.normalize()
	w.mu.Unlock()
}

// Await blocks until id is confirmed (StatusSuccess), lands with an execution
// error (StatusError), the poll ceiling is reached (ErrUnconfirmed) or ctx is
// done. Concurrent calls for the same id share one polling loop.
func (w *Watcher) Await(ctx context.Context, id string) (txn.Status, error) {
	if w.reader == nil {
		return "", ErrNoReader
	}
	fl, err := w.join(id)
	if err != nil {
		return "", err
	}
	defer w.leave(fl)

	select {
	case <-fl.task.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	res := fl.task.Result()
	switch {
	case res.Outcome == retry.Succeed:
		return fl.status, nil
	case errors.Is(res.Err, retry.ErrExhausted):
		return "", fmt.Errorf("%w: %s after %d polls", ErrUnconfirmed, id, res.Attempts)
	}
	return "", res.Err
}

func (w *Watcher) join(id string) (*flight, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fl := w.flights[id]; fl != nil {
		fl.waiters++
		return fl, nil
	}
	// A cancelled flight may still be winding down in the scheduler, so each
	// flight gets its own loop id.
	w.seq++
	fl := &flight{id: id, waiters: 1}
	task, err := w.sched.Schedule(w.poll(id, fl), retry.Options{
		ID:           fmt.Sprintf("confirm:%s:%d", id, w.seq),
		MaxAttempts:  w.cfg.MaxPolls,
		Interval:     w.cfg.PollInterval,
		InitialDelay: w.cfg.PollInterval,
		OnDone: func(retry.Result) {
			w.mu.Lock()
			if w.flights[id] == fl {
				delete(w.flights, id)
			}
			w.mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}
	fl.task = task
	w.flights[id] = fl
	return fl, nil
}

// leave cancels the shared loop once nobody waits on it any more. The flight
// is unlinked in the same critical section so a later Await starts afresh.
func (w *Watcher) leave(fl *flight) {
	w.mu.Lock()
	fl.waiters--
	last := fl.waiters == 0
	if last && w.flights[fl.id] == fl {
		delete(w.flights, fl.id)
	}
	w.mu.Unlock()
	if last {
		fl.task.Cancel()
	}
}

func (w *Watcher) poll(id string, fl *flight) retry.Action {
	return func(ctx context.Context, attempt int) (retry.Outcome, error) {
		sts, err := w.reader.SignatureStatuses(ctx, []string{id})
		if err != nil {
			return retry.Continue, err
		}
		if len(sts) == 0 {
			return retry.Continue, nil
		}
		switch s := sts[0]; {
		case s.Failed():
			fl.status = txn.StatusError
			w.log.Info("transaction failed on chain", logx.String("id", id), logx.Any("err", s.Err))
			return retry.Succeed, nil
		case s.Confirmed():
			fl.status = txn.StatusSuccess
			return retry.Succeed, nil
		}
		return retry.Continue, nil
	}
}
