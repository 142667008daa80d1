package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "txrelay/pkg/logx"
)

// Store is the persistence API used by the delivery facade and the journal.
type Store interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	// PutDone records id as final until the given deadline.
	PutDone(ctx context.Context, id string, until time.Time) error
	// GetDone reports whether id is final and not yet expired.
	GetDone(ctx context.Context, id string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
