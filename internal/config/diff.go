package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "txrelay/pkg/logx"
)

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Tokens and header values are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.RPC.Endpoint) != strings.TrimSpace(newCfg.RPC.Endpoint) ||
		oldCfg.RPC.Timeout != newCfg.RPC.Timeout ||
		oldCfg.RPC.RatePerSec != newCfg.RPC.RatePerSec ||
		oldCfg.RPC.Burst != newCfg.RPC.Burst ||
		!sameKeys(oldCfg.RPC.Headers, newCfg.RPC.Headers) ||
		hashJSON(oldCfg.RPC.Headers) != hashJSON(newCfg.RPC.Headers) {
		changed = append(changed, "rpc")
		attrs = append(attrs,
			logx.String("rpc.timeout", newCfg.RPC.Timeout),
			logx.Int("rpc.header_count", len(newCfg.RPC.Headers)),
		)
	}

	if hashJSON(oldCfg.Relay) != hashJSON(newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs, logx.Bool("relay.enabled", newCfg.Relay != nil))
		if newCfg.Relay != nil {
			attrs = append(attrs, logx.Int("relay.trip_failures", newCfg.Relay.TripFailures))
		}
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.max_attempts", newCfg.Broadcast.MaxAttempts),
			logx.String("broadcast.interval", newCfg.Broadcast.Interval),
			logx.String("broadcast.initial_delay", newCfg.Broadcast.InitialDelay),
		)
	}

	if oldCfg.Confirm != newCfg.Confirm {
		changed = append(changed, "confirm")
		attrs = append(attrs,
			logx.String("confirm.poll_interval", newCfg.Confirm.PollInterval),
			logx.Int("confirm.max_polls", newCfg.Confirm.MaxPolls),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.retention", newCfg.Registry.Retention),
			logx.String("registry.sweep", newCfg.Registry.Sweep),
		)
	}

	// Nil means disabled.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(s.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			)
		}
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	if hashJSON(oldCfg.Telegram) != hashJSON(newCfg.Telegram) {
		changed = append(changed, "telegram")
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs,
				logx.Bool("telegram.enabled", t.Enabled),
				logx.Bool("telegram.token_set", strings.TrimSpace(t.Token) != ""),
				logx.Bool("telegram.only_failures", t.OnlyFailures),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

func sameKeys(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashJSON hashes the JSON encoding of v. Map keys are sorted by
// encoding/json so the result is stable.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
