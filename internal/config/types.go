package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
// Unknown keys are rejected so typos surface on load and on reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	RPC       RPCConfig       `json:"rpc"`
	Relay     *RelayConfig    `json:"relay,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Confirm   ConfirmConfig   `json:"confirm"`
	Registry  RegistryConfig  `json:"registry"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	API       APIConfig       `json:"api"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RPCConfig is the primary transport. Endpoint is required.
type RPCConfig struct {
	Endpoint   string            `json:"endpoint"`
	Timeout    string            `json:"timeout,omitempty"` // default: "10s"
	RatePerSec float64           `json:"rate_per_sec,omitempty"`
	Burst      int               `json:"burst,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"` // values are never logged
}

// RelayConfig is the optional side channel. Omit the section to disable it.
type RelayConfig struct {
	URL        string            `json:"url"`
	Timeout    string            `json:"timeout,omitempty"`
	RatePerSec float64           `json:"rate_per_sec,omitempty"`
	Burst      int               `json:"burst,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`

	// Circuit breaker. trip_failures < 0 disables it.
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// BroadcastConfig controls resubmission loops.
//
// Defaults: max_attempts 60, interval "2s", initial_delay "2s".
// An explicit initial_delay of "0s" starts resubmitting immediately.
type BroadcastConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	Interval     string `json:"interval,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	RelayTimeout string `json:"relay_timeout,omitempty"`
}

type ConfirmConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default: "2s"
	MaxPolls     int    `json:"max_polls,omitempty"`     // default: 45
}

// RegistryConfig controls how long done ids are remembered.
//
// Sweep is a cron spec (robfig/cron, "@every 1m" style descriptors allowed).
type RegistryConfig struct {
	Retention string `json:"retention,omitempty"` // default: "10m"
	Sweep     string `json:"sweep,omitempty"`     // default: "@every 1m"
	Timezone  string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./txrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// DoneTTL is how long a finalized id stays rejected after restart.
	DoneTTL string `json:"done_ttl,omitempty"` // default: "24h"
}

// APIConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so the event stream stays open.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	EventBuffer int `json:"event_buffer,omitempty"` // per stream client; default 64
}

// TelegramConfig enables outcome notifications to one chat.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic; 0 means the main thread.
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default: 1
	QueueSize  int     `json:"queue_size,omitempty"`   // default: 128
	// OnlyFailures suppresses success notifications.
	OnlyFailures bool `json:"only_failures,omitempty"`
}
