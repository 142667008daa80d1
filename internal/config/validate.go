package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks fields that would otherwise fail late, at wiring time.
// It never mutates cfg.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) { _, err := ParseDurationField(path, raw); add(err) }

	if err := checkURL("rpc.endpoint", c.RPC.Endpoint); err != nil {
		add(err)
	}
	dur("rpc.timeout", c.RPC.Timeout)
	if c.RPC.RatePerSec < 0 {
		add(errors.New("rpc.rate_per_sec must be >= 0"))
	}

	if r := c.Relay; r != nil {
		add(checkURL("relay.url", r.URL))
		dur("relay.timeout", r.Timeout)
		dur("relay.base_delay", r.BaseDelay)
		dur("relay.max_delay", r.MaxDelay)
		dur("relay.reset_after", r.ResetAfter)
	}

	if c.Broadcast.MaxAttempts < 0 {
		add(errors.New("broadcast.max_attempts must be >= 0"))
	}
	dur("broadcast.interval", c.Broadcast.Interval)
	dur("broadcast.initial_delay", c.Broadcast.InitialDelay)
	dur("broadcast.relay_timeout", c.Broadcast.RelayTimeout)

	dur("confirm.poll_interval", c.Confirm.PollInterval)
	if c.Confirm.MaxPolls < 0 {
		add(errors.New("confirm.max_polls must be >= 0"))
	}

	dur("registry.retention", c.Registry.Retention)
	if spec := strings.TrimSpace(c.Registry.Sweep); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("registry.sweep: %w", err))
		}
	}

	if s := c.Storage; s != nil {
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.done_ttl", s.DoneTTL)
	}

	dur("api.read_timeout", c.API.ReadTimeout)
	dur("api.write_timeout", c.API.WriteTimeout)
	dur("api.idle_timeout", c.API.IdleTimeout)
	if c.API.Enabled && strings.TrimSpace(c.API.Token) == "" && !c.API.AllowInsecure && !IsLoopbackAddr(c.API.Addr) {
		add(fmt.Errorf("api.addr %q is not loopback: set api.token or api.allow_insecure", c.API.Addr))
	}

	if t := c.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(errors.New("telegram.token is required when telegram.enabled=true"))
		}
		if t.ChatID == 0 {
			add(errors.New("telegram.chat_id is required when telegram.enabled=true"))
		}
	}
	return errors.Join(errs...)
}

func checkURL(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: unsupported scheme %q", path, u.Scheme)
	}
	return nil
}

// IsLoopbackAddr reports whether a listen address only binds loopback.
// An empty address resolves to the loopback default.
func IsLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
