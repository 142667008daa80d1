package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus snapshot, no database needed
//   - "sqlite": SQLite database file (modernc, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome is one terminal delivery result.
// Keep it compact and schema-stable.
type Outcome struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"` // "tx" or "sequence"
	ID         string    `json:"id"`
	SequenceID string    `json:"sequence_id,omitempty"`
	Status     string    `json:"status"`
	Label      string    `json:"label,omitempty"`
	Steps      int       `json:"steps,omitempty"`
	Error      string    `json:"error,omitempty"`
}
