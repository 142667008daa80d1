package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "txrelay/pkg/logx"
)

// sweepTarget is the dedup registry as seen by the sweeper.
type sweepTarget interface {
	Sweep(retention time.Duration) int
}

// sweeper evicts expired done entries from the dedup registry on a cron
// schedule.
type sweeper struct {
	target sweepTarget
	parser cron.Parser
	log    logx.Logger

	mu  sync.Mutex
	cfg sweepConfig
	c   *cron.Cron
}

func newSweeper(target sweepTarget, cfg sweepConfig, log logx.Logger) *sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sweeper{
		target: target,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:    log,
		cfg:    cfg,
	}
}

func (s *sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *sweeper) startLocked() error {
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	retention := s.cfg.Retention
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.sweep(retention) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Debug("registry sweeper started", logx.String("spec", s.cfg.Spec), logx.Duration("retention", retention))
	return nil
}

// Apply swaps the schedule. An invalid spec keeps the previous one.
func (s *sweeper) Apply(ctx context.Context, cfg sweepConfig) error {
	if _, err := s.parser.Parse(cfg.Spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == cfg && s.c != nil {
		return nil
	}
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked()
}

func (s *sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *sweeper) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
}

func (s *sweeper) sweep(retention time.Duration) {
	if n := s.target.Sweep(retention); n > 0 {
		s.log.Debug("registry swept", logx.Int("evicted", n))
	}
}
