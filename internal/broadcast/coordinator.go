// Package broadcast keeps signed transactions flowing to the network until
// they are confirmed, cancelled or the attempt ceiling is reached.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"txrelay/internal/metrics"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/task/dedup"
	"txrelay/internal/task/retry"
	"txrelay/internal/transport"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

var (
	ErrNoTransport = errors.New("broadcast: no primary transport")
	ErrNoID        = errors.New("broadcast: transaction has no id")
)

type Config struct {
	MaxAttempts  int
	Interval     time.Duration
	InitialDelay time.Duration
	RelayTimeout time.Duration
}

// DefaultConfig resubmits every 2s for up to 60 attempts, starting 2s after
// the caller's own initial send.
func DefaultConfig() Config {
	return Config{MaxAttempts: 60, Interval: 2 * time.Second, InitialDelay: 2 * time.Second, RelayTimeout: 5 * time.Second}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = d.RelayTimeout
	}
	return c
}

type Coordinator struct {
	reg    *dedup.Registry
	sched  *retry.Scheduler
	sup    *supervisor.Supervisor
	sender transport.Sender
	relay  transport.Relay
	met    *metrics.Metrics
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Coordinator)

func WithSender(s transport.Sender) Option { return func(c *Coordinator) { c.sender = s } }
func WithRelay(r transport.Relay) Option   { return func(c *Coordinator) { c.relay = r } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.met = m }
}
func WithLogger(l logx.Logger) Option { return func(c *Coordinator) { c.log = l } }
func WithConfig(cfg Config) Option    { return func(c *Coordinator) { c.cfg = cfg.normalize() } }

// New builds a coordinator. Sender and relay are optional: without a sender
// Submit fails fast with ErrNoTransport; without a relay the side channel is
// skipped.
func New(sup *supervisor.Supervisor, reg *dedup.Registry, sched *retry.Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{sup: sup, reg: reg, sched: sched, cfg: DefaultConfig()}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

func (c *Coordinator) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.normalize()
	c.mu.Unlock()
}

// SetRelay swaps the side channel; nil disables it. Loops already running
// are unaffected since the relay is only used on Submit.
func (c *Coordinator) SetRelay(r transport.Relay) {
	c.mu.Lock()
	c.relay = r
	c.mu.Unlock()
}

func (c *Coordinator) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Submit starts resubmitting tx unless its id is already known.
//
// A known id (active or done) is a no-op returning nil. The id is claimed
// before the relay side channel fires, so concurrent submits fan out once.
// The relay is attempted even when no primary transport is configured.
func (c *Coordinator) Submit(tx txn.Signed) error {
	if tx.ID == "" {
		return ErrNoID
	}
	if !c.reg.Register(tx.ID) {
		return nil
	}
	return c.start(tx)
}

// Claim reserves id for a caller that sends the first copy itself. A false
// return means the id is already active or done.
func (c *Coordinator) Claim(id string) bool { return c.reg.Register(id) }

// Release gives back a claim whose first send never reached the network.
func (c *Coordinator) Release(id string) { c.reg.Release(id) }

// Adopt starts resubmitting a transaction previously reserved with Claim.
// An id cancelled in the meantime is left alone.
func (c *Coordinator) Adopt(tx txn.Signed) error {
	if tx.ID == "" {
		return ErrNoID
	}
	if c.reg.IsDone(tx.ID) {
		return nil
	}
	if _, running := c.sched.Lookup(tx.ID); running {
		return nil
	}
	if !c.reg.Known(tx.ID) && !c.reg.Register(tx.ID) {
		return nil
	}
	return c.start(tx)
}

func (c *Coordinator) start(tx txn.Signed) error {
	c.mu.RLock()
	cfg, relay := c.cfg, c.relay
	c.mu.RUnlock()
	c.relayAsync(relay, tx, cfg.RelayTimeout)

	if c.sender == nil {
		c.reg.Release(tx.ID)
		return ErrNoTransport
	}

	_, err := c.sched.Schedule(c.resend(tx), retry.Options{
		ID:           tx.ID,
		MaxAttempts:  cfg.MaxAttempts,
		Interval:     cfg.Interval,
		InitialDelay: cfg.InitialDelay,
		OnDone:       c.onLoopDone,
	})
	if errors.Is(err, retry.ErrDuplicate) {
		return nil
	}
	if err != nil {
		c.reg.MarkDone(tx.ID)
		return fmt.Errorf("broadcast %s: %w", tx.ID, err)
	}
	c.log.Debug("resubmission started", logx.String("id", tx.ID), logx.Bool("versioned", tx.Versioned))
	return nil
}

// Cancel stops resubmitting id. Safe for unknown ids and repeated calls.
func (c *Coordinator) Cancel(id string) {
	if id == "" {
		return
	}
	c.reg.MarkDone(id)
	c.sched.Cancel(id)
}

// Active returns the number of ids still being resubmitted.
func (c *Coordinator) Active() int { return c.reg.Active() }

// IsDone reports whether id reached a done state in the registry.
func (c *Coordinator) IsDone(id string) bool { return c.reg.IsDone(id) }

// Known reports whether id is active or done.
func (c *Coordinator) Known(id string) bool { return c.reg.Known(id) }

func (c *Coordinator) resend(tx txn.Signed) retry.Action {
	op := "send_raw"
	if tx.Versioned {
		op = "send"
	}
	return func(ctx context.Context, attempt int) (retry.Outcome, error) {
		if c.reg.IsDone(tx.ID) {
			return retry.Succeed, nil
		}
		c.met.IncResend()
		if _, err := transport.Send(ctx, c.sender, tx); err != nil {
			c.met.IncTransportError(op)
			c.log.Debug("resend failed", logx.String("id", tx.ID), logx.Int("attempt", attempt), logx.Err(err))
		}
		return retry.Continue, nil
	}
}

func (c *Coordinator) onLoopDone(res retry.Result) {
	c.reg.MarkDone(res.ID)
	if errors.Is(res.Err, retry.ErrExhausted) {
		c.log.Warn("resubmission exhausted", logx.String("id", res.ID), logx.Int("attempts", res.Attempts))
		return
	}
	c.log.Debug("resubmission ended", logx.String("id", res.ID), logx.String("reason", res.Reason()), logx.Int("attempts", res.Attempts))
}

func (c *Coordinator) relayAsync(relay transport.Relay, tx txn.Signed, timeout time.Duration) {
	if relay == nil || c.sup == nil {
		return
	}
	c.sup.Go("broadcast.relay", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := relay.Relay(ctx, tx.Raw); err != nil {
			c.met.IncRelay("error")
			c.log.Debug("relay failed", logx.String("id", tx.ID), logx.Err(err))
			return nil
		}
		c.met.IncRelay("ok")
		return nil
	})
}
