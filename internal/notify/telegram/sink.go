// Package telegram forwards terminal delivery outcomes to a Telegram chat.
package telegram

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

// Poster delivers one formatted message.
type Poster interface {
	Post(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec   float64
	QueueSize    int
	OnlyFailures bool
}

func (c Config) normalize() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// Sink subscribes to terminal events and posts one line per outcome.
//
// Publishers never block on it: the handler only enqueues, and a full queue
// drops the notification.
type Sink struct {
	poster Poster
	cfg    Config
	lim    *rate.Limiter
	queue  chan string
	met    *metrics.Metrics
	log    logx.Logger

	mu   sync.Mutex
	bus  *eventbus.Bus
	subs []eventbus.Subscription

	dropped atomic.Uint64
}

type Option func(*Sink)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sink) { s.met = m } }
func WithLogger(l logx.Logger) Option       { return func(s *Sink) { s.log = l } }

func New(p Poster, cfg Config, opts ...Option) *Sink {
	cfg = cfg.normalize()
	s := &Sink{
		poster: p,
		cfg:    cfg,
		lim:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		queue:  make(chan string, cfg.QueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Attach subscribes the sink to both topics of bus. Calling it again first
// detaches the previous subscriptions.
func (s *Sink) Attach(bus *eventbus.Bus) {
	s.Detach()
	filter := func(e eventbus.Event) bool {
		if !eventbus.Terminal(e) {
			return false
		}
		return !s.cfg.OnlyFailures || failed(e)
	}
	s.mu.Lock()
	s.bus = bus
	s.subs = []eventbus.Subscription{
		bus.Subscribe(eventbus.TopicTx, s.enqueue, filter),
		bus.Subscribe(eventbus.TopicSequence, s.enqueue, filter),
	}
	s.mu.Unlock()
}

func (s *Sink) Detach() {
	s.mu.Lock()
	bus, subs := s.bus, s.subs
	s.bus, s.subs = nil, nil
	s.mu.Unlock()
	for _, h := range subs {
		bus.Unsubscribe(h)
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) enqueue(e eventbus.Event) {
	text := Format(e)
	if text == "" {
		return
	}
	select {
	case s.queue <- text:
	default:
		s.dropped.Add(1)
		s.met.IncNotifyDropped()
		s.log.Debug("notification dropped (queue full)", logx.Int("queue_cap", cap(s.queue)))
	}
}

// Run posts queued notifications until ctx is done. Post failures are logged
// and the message is discarded.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.queue:
			if err := s.lim.Wait(ctx); err != nil {
				return nil
			}
			if err := s.poster.Post(ctx, text); err != nil && ctx.Err() == nil {
				s.log.Warn("notification post failed", logx.Err(err))
			}
		}
	}
}

func failed(e eventbus.Event) bool {
	switch ev := e.(type) {
	case eventbus.TxEvent:
		return ev.Status == txn.StatusError
	case eventbus.SequenceEvent:
		return ev.Failed
	}
	return false
}
