// Package retry runs keyed, fixed-interval retry loops with a hard attempt
// ceiling. At most one loop per id is active at a time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"txrelay/internal/runtime/supervisor"
	logx "txrelay/pkg/logx"
)

const loopName = "retry.loop"

// Observer receives loop lifecycle notifications. Implementations must not
// block.
type Observer interface {
	LoopStarted()
	LoopEnded(reason string)
}

type Config struct {
	MaxAttempts  int
	Interval     time.Duration
	InitialDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	return c
}

type Scheduler struct {
	sup *supervisor.Supervisor
	clk clock.Clock
	log logx.Logger
	obs Observer

	mu      sync.Mutex
	cfg     Config
	tasks   map[string]*Task
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clk = c
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithObserver(o Observer) Option { return func(s *Scheduler) { s.obs = o } }

func WithDefaults(c Config) Option { return func(s *Scheduler) { s.cfg = c.withDefaults() } }

func New(sup *supervisor.Supervisor, opts ...Option) *Scheduler {
	s := &Scheduler{
		sup:   sup,
		clk:   clock.New(),
		cfg:   Config{InitialDelay: -1}.withDefaults(),
		tasks: make(map[string]*Task),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.sup == nil {
		s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	}
	return s
}

// SetDefaults replaces the defaults used by later Schedule calls.
func (s *Scheduler) SetDefaults(c Config) {
	s.mu.Lock()
	s.cfg = c.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) Defaults() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Schedule starts a loop for opts.ID. It returns ErrDuplicate while another
// loop for the same id is active.
func (s *Scheduler) Schedule(action Action, opts Options) (*Task, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, ErrNoID
	}
	if action == nil {
		return nil, fmt.Errorf("retry: nil action for %s", id)
	}

	s.mu.Lock()
	if s.stopped || s.sup.Context().Err() != nil {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, ok := s.tasks[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	def := s.cfg
	t := &Task{
		id:          id,
		maxAttempts: opts.MaxAttempts,
		interval:    opts.Interval,
		delay:       opts.InitialDelay,
		onDone:      opts.OnDone,
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = def.MaxAttempts
	}
	if t.interval <= 0 {
		t.interval = def.Interval
	}
	if t.delay < 0 {
		t.delay = def.InitialDelay
	}
	s.tasks[id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.LoopStarted()
	}
	s.sup.Go(loopName, func(ctx context.Context) error {
		defer s.wg.Done()
		s.run(ctx, t, action)
		return nil
	})
	return t, nil
}

// Cancel halts the loop for id. It reports whether a loop was active.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t := s.tasks[strings.TrimSpace(id)]
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

func (s *Scheduler) Lookup(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[strings.TrimSpace(id)]
	return t, ok
}

// Active returns the number of running loops.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop refuses new loops, cancels every active one and waits for them to
// finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, t := range s.tasks {
		t.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task, action Action) {
	res := Result{ID: t.id, Outcome: Fail}
	defer func() { s.finish(t, res) }()

	wait := t.delay
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if wait > 0 {
			if err := s.sleep(ctx, t, wait); err != nil {
				res.Err = err
				return
			}
		}
		if t.cancelled() {
			res.Err = ErrCancelled
			return
		}
		if ctx.Err() != nil {
			res.Err = ErrStopped
			return
		}

		t.attempts.Store(int64(attempt))
		res.Attempts = attempt
		out, err := s.invoke(ctx, t, action, attempt)

		if t.cancelled() {
			res.Err = ErrCancelled
			return
		}
		if out == Continue && IsNoRetry(err) {
			out = Fail
		}
		switch out {
		case Succeed:
			res.Outcome = Succeed
			res.Err = nil
			return
		case Fail:
			if err == nil {
				err = ErrFailed
			}
			res.Err = err
			return
		}

		wait = t.interval
		var ra RetryAfterError
		if errors.As(err, &ra) {
			wait = ra.RetryAfter()
		}
		if err != nil && s.log.Enabled(logx.LevelDebug) {
			s.log.Debug("attempt failed", logx.String("id", t.id), logx.Int("attempt", attempt), logx.Err(err))
		}
	}
	res.Err = fmt.Errorf("%w after %d attempts", ErrExhausted, t.maxAttempts)
}

func (s *Scheduler) invoke(ctx context.Context, t *Task, action Action, attempt int) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("retry action panicked", logx.String("id", t.id), logx.Int("attempt", attempt), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out, err = Fail, fmt.Errorf("panic in retry action: %v", r)
		}
	}()
	return action(ctx, attempt)
}

func (s *Scheduler) sleep(ctx context.Context, t *Task, d time.Duration) error {
	tm := s.clk.Timer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return nil
	case <-t.cancelCh:
		return ErrCancelled
	case <-ctx.Done():
		return ErrStopped
	}
}

func (s *Scheduler) finish(t *Task, res Result) {
	s.mu.Lock()
	if s.tasks[t.id] == t {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()

	t.res = res
	defer close(t.done)

	if s.obs != nil {
		s.obs.LoopEnded(res.Reason())
	}
	if t.onDone != nil {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("retry OnDone panicked", logx.String("id", t.id), logx.Any("panic", r))
			}
		}()
		t.onDone(res)
	}
}
