package app

import (
	"fmt"
	"strings"
	"time"

	"txrelay/internal/api"
	"txrelay/internal/broadcast"
	"txrelay/internal/config"
	"txrelay/internal/confirm"
	notifytg "txrelay/internal/notify/telegram"
	"txrelay/internal/storage"
	"txrelay/internal/transport/relay"
	"txrelay/internal/transport/rpc"
	logx "txrelay/pkg/logx"
)

const (
	defaultRetention = 10 * time.Minute
	defaultSweep     = "@every 1m"
	defaultDoneTTL   = 24 * time.Hour
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRPCConfig(cfg *config.Config) (rpc.Config, error) {
	timeout, err := config.ParseDurationOrDefault("rpc.timeout", cfg.RPC.Timeout, 10*time.Second)
	if err != nil {
		return rpc.Config{}, err
	}
	return rpc.Config{
		Endpoint:   strings.TrimSpace(cfg.RPC.Endpoint),
		Timeout:    timeout,
		RatePerSec: cfg.RPC.RatePerSec,
		Burst:      cfg.RPC.Burst,
		Headers:    cfg.RPC.Headers,
	}, nil
}

// mapRelayConfig returns enabled=false when the section is omitted.
func mapRelayConfig(cfg *config.Config) (relay.Config, bool, error) {
	rc := cfg.Relay
	if rc == nil {
		return relay.Config{}, false, nil
	}
	out := relay.Config{
		URL:        strings.TrimSpace(rc.URL),
		RatePerSec: rc.RatePerSec,
		Burst:      rc.Burst,
		Headers:    rc.Headers,
		Circuit:    relay.CircuitConfig{TripFailures: rc.TripFailures},
	}
	var err error
	if out.Timeout, err = config.ParseDurationOrDefault("relay.timeout", rc.Timeout, 5*time.Second); err != nil {
		return relay.Config{}, false, err
	}
	if out.Circuit.BaseDelay, err = config.ParseDurationField("relay.base_delay", rc.BaseDelay); err != nil {
		return relay.Config{}, false, err
	}
	if out.Circuit.MaxDelay, err = config.ParseDurationField("relay.max_delay", rc.MaxDelay); err != nil {
		return relay.Config{}, false, err
	}
	if out.Circuit.ResetAfter, err = config.ParseDurationField("relay.reset_after", rc.ResetAfter); err != nil {
		return relay.Config{}, false, err
	}
	return out, true, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	def := broadcast.DefaultConfig()
	bc := cfg.Broadcast
	out := broadcast.Config{MaxAttempts: bc.MaxAttempts}
	var err error
	if out.Interval, err = config.ParseDurationOrDefault("broadcast.interval", bc.Interval, def.Interval); err != nil {
		return broadcast.Config{}, err
	}
	// An explicit "0s" means resubmit immediately; only an empty value
	// falls back to the default.
	if strings.TrimSpace(bc.InitialDelay) == "" {
		out.InitialDelay = def.InitialDelay
	} else if out.InitialDelay, err = config.ParseDurationField("broadcast.initial_delay", bc.InitialDelay); err != nil {
		return broadcast.Config{}, err
	}
	if out.RelayTimeout, err = config.ParseDurationOrDefault("broadcast.relay_timeout", bc.RelayTimeout, def.RelayTimeout); err != nil {
		return broadcast.Config{}, err
	}
	return out, nil
}

func mapConfirmConfig(cfg *config.Config) (confirm.Config, error) {
	poll, err := config.ParseDurationOrDefault("confirm.poll_interval", cfg.Confirm.PollInterval, 2*time.Second)
	if err != nil {
		return confirm.Config{}, err
	}
	return confirm.Config{PollInterval: poll, MaxPolls: cfg.Confirm.MaxPolls}, nil
}

type sweepConfig struct {
	Spec      string
	Retention time.Duration
	Location  *time.Location
}

func mapSweepConfig(cfg *config.Config) (sweepConfig, error) {
	rc := cfg.Registry
	retention, err := config.ParseDurationOrDefault("registry.retention", rc.Retention, defaultRetention)
	if err != nil {
		return sweepConfig{}, err
	}
	spec := strings.TrimSpace(rc.Sweep)
	if spec == "" {
		spec = defaultSweep
	}
	loc := time.Local
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return sweepConfig{}, fmt.Errorf("registry.timezone: invalid %q: %w", tz, err)
		}
	}
	return sweepConfig{Spec: spec, Retention: retention, Location: loc}, nil
}

// mapStorageConfig returns enabled=false for an omitted section or driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, 0, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	ttl, err := config.ParseDurationOrDefault("storage.done_ttl", sc.DoneTTL, defaultDoneTTL)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, ttl, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, 0, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, 0, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, ttl, true, nil
	default:
		return storage.Config{}, 0, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	ac := cfg.API
	out := api.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("api.read_timeout", ac.ReadTimeout); err != nil {
		return api.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("api.write_timeout", ac.WriteTimeout); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, 2*time.Minute); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

// mapTelegramConfig returns enabled=false unless the section is present and
// enabled.
func mapTelegramConfig(cfg *config.Config) (notifytg.BotConfig, notifytg.Config, bool) {
	tc := cfg.Telegram
	if tc == nil || !tc.Enabled {
		return notifytg.BotConfig{}, notifytg.Config{}, false
	}
	return notifytg.BotConfig{
			Token:    strings.TrimSpace(tc.Token),
			ChatID:   tc.ChatID,
			ThreadID: tc.ThreadID,
		}, notifytg.Config{
			RatePerSec:   tc.RatePerSec,
			QueueSize:    tc.QueueSize,
			OnlyFailures: tc.OnlyFailures,
		}, true
}
