// Package app wires the delivery core, its transports and its outer surfaces
// from one config file, and applies hot reloads.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"txrelay/internal/api"
	"txrelay/internal/broadcast"
	"txrelay/internal/config"
	"txrelay/internal/confirm"
	"txrelay/internal/delivery"
	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	notifytg "txrelay/internal/notify/telegram"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/sequence"
	"txrelay/internal/storage"
	"txrelay/internal/task/dedup"
	"txrelay/internal/task/retry"
	"txrelay/internal/transport"
	"txrelay/internal/transport/relay"
	"txrelay/internal/transport/rpc"
	logx "txrelay/pkg/logx"
)

// sections that only take effect after a restart.
var restartSections = []string{"rpc", "storage", "telegram"}

type App struct {
	cfgm *config.ConfigManager
	clk  clock.Clock

	log  logx.Logger
	logs *logx.Service
	met  *metrics.Metrics
	bus  *eventbus.Bus

	store   storage.Store
	doneTTL time.Duration

	rpc   *rpc.Client
	relay transport.Relay
	sink  *notifytg.Sink

	// Built in Start: they run under the app supervisor.
	sup     *supervisor.Supervisor
	reg     *dedup.Registry
	sched   *retry.Scheduler
	coord   *broadcast.Coordinator
	watcher *confirm.Watcher
	orch    *sequence.Orchestrator
	del     *delivery.Service
	api     *api.Server
	journal *journal
	sweeper *sweeper
}

type Option func(*App)

// WithClock replaces the wall clock of the retry loops, the registry and
// the journal.
func WithClock(c clock.Clock) Option {
	return func(a *App) {
		if c != nil {
			a.clk = c
		}
	}
}

// New loads the config and opens everything that does not need a running
// supervisor: logging, storage, transports and the notification sink.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, clk: clock.New()}
	for _, o := range opts {
		o(a)
	}

	a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	a.log = a.log.With(logx.String("comp", "app"))
	cfgm.SetLogger(a.comp("config"))

	a.met = metrics.New()
	a.bus = eventbus.New(a.comp("eventbus"))

	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	sc, ttl, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		if a.store, err = storage.Open(sc, a.comp("storage")); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.doneTTL = ttl
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rc, err := mapRPCConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.rpc, err = rpc.New(rc); err != nil {
		return nil, err
	}

	if a.relay, err = a.buildRelay(cfg); err != nil {
		return nil, err
	}

	if bc, nc, on := mapTelegramConfig(cfg); on {
		poster, err := notifytg.NewBotPoster(bc)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.sink = notifytg.New(poster, nc, notifytg.WithMetrics(a.met), notifytg.WithLogger(a.comp("telegram")))
	}

	ok = true
	return a, nil
}

func (a *App) comp(name string) logx.Logger {
	return a.logs.Logger().With(logx.String("comp", name))
}

// buildRelay returns a nil interface, never a typed nil, when the relay is
// not configured.
func (a *App) buildRelay(cfg *config.Config) (transport.Relay, error) {
	rc, on, err := mapRelayConfig(cfg)
	if err != nil || !on {
		return nil, err
	}
	c, err := relay.New(rc, relay.WithClock(a.clk), relay.WithLogger(a.comp("relay")))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Delivery is nil before Start.
func (a *App) Delivery() *delivery.Service { return a.del }

func (a *App) Bus() *eventbus.Bus { return a.bus }

func (a *App) Metrics() *metrics.Metrics { return a.met }

// APIAddr returns the bound API address, or "" when the API is not serving.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.comp("supervisor")), supervisor.WithCancelOnError(true))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return err
	}
	ccfg, err := mapConfirmConfig(cfg)
	if err != nil {
		return err
	}
	swcfg, err := mapSweepConfig(cfg)
	if err != nil {
		return err
	}
	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}

	a.reg = dedup.New(a.clk)
	a.sched = retry.New(a.sup,
		retry.WithClock(a.clk),
		retry.WithLogger(a.comp("retry")),
		retry.WithObserver(a.met),
	)
	a.coord = broadcast.New(a.sup, a.reg, a.sched,
		broadcast.WithSender(a.rpc),
		broadcast.WithRelay(a.relay),
		broadcast.WithMetrics(a.met),
		broadcast.WithLogger(a.comp("broadcast")),
		broadcast.WithConfig(bcfg),
	)
	a.watcher = confirm.New(a.rpc, a.sched, ccfg, a.comp("confirm"))
	a.orch = sequence.New(a.rpc, a.coord, a.watcher, a.bus,
		sequence.WithMetrics(a.met),
		sequence.WithLogger(a.comp("sequence")),
		sequence.WithClock(a.clk),
	)
	a.del = delivery.New(delivery.Deps{
		Sender:       a.rpc,
		Coordinator:  a.coord,
		Confirmer:    a.watcher,
		Orchestrator: a.orch,
		Bus:          a.bus,
		Store:        a.store,
		Supervisor:   a.sup,
		Clock:        a.clk,
		Log:          a.comp("delivery"),
	})

	a.journal = newJournal(a.bus, a.store, a.met, a.doneTTL, a.clk, a.comp("journal"))
	a.journal.Attach()
	a.sup.Go("journal", a.journal.Run)

	a.sweeper = newSweeper(a.reg, swcfg, a.comp("sweeper"))
	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("registry sweeper: %w", err)
	}

	if a.sink != nil {
		a.sink.Attach(a.bus)
		a.sup.Go("notify.telegram", a.sink.Run)
	}

	a.api = api.NewServer(acfg, api.Deps{
		Delivery:    a.del,
		Bus:         a.bus,
		Metrics:     a.met,
		Supervisor:  a.sup,
		EventBuffer: cfg.API.EventBuffer,
		Log:         a.comp("api"),
	})
	a.api.Start(a.sup.Context())

	// The baseline is the config the components were built from, so a reload
	// committed before the loop goroutine runs is still applied.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("relay", a.relay != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("telegram", a.sink != nil),
		logx.Bool("api", acfg.Enabled),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, lastApplied *config.Config) {
	// A reload between Start's Get and Subscribe never reaches sub.
	pending := a.cfgm.Get()
	if pending == lastApplied {
		pending = nil
	}
	for {
		newCfg := pending
		pending = nil
		if newCfg == nil {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-sub:
				if !ok {
					return
				}
				newCfg = c
			}
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}

		sections, attrs := config.SummarizeChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		a.apply(ctx, newCfg, sections)

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// apply pushes the changed sections into the running components. A section
// that fails to map keeps its previous settings.
func (a *App) apply(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	keep := func(section string, err error) {
		a.log.Warn("invalid config; keeping previous", logx.String("section", section), logx.Err(err))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(cfg))
		case "broadcast":
			if bc, err := mapBroadcastConfig(cfg); err != nil {
				keep(s, err)
			} else {
				a.coord.SetConfig(bc)
			}
		case "confirm":
			if cc, err := mapConfirmConfig(cfg); err != nil {
				keep(s, err)
			} else {
				a.watcher.SetConfig(cc)
			}
		case "registry":
			if sc, err := mapSweepConfig(cfg); err != nil {
				keep(s, err)
			} else if err := a.sweeper.Apply(ctx, sc); err != nil {
				keep(s, err)
			}
		case "relay":
			if r, err := a.buildRelay(cfg); err != nil {
				keep(s, err)
			} else {
				a.relay = r
				a.coord.SetRelay(r)
			}
		case "api":
			if ac, err := mapAPIConfig(cfg); err != nil {
				keep(s, err)
			} else {
				a.api.Reconfigure(ctx, ac)
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; report it if it finishes late.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("sweeper", time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("retry", 2*time.Second, a.sched.Stop)
	step("notify", time.Second, func(context.Context) error {
		if a.sink != nil {
			a.sink.Detach()
		}
		return nil
	})
	// Wait for supervised goroutines (journal, confirmations, config watch/reload).
	step("supervisor", 2*time.Second, a.sup.Wait)
	a.journal.Detach()
	a.reg.Dispose()
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
