// Package store persists job statuses so they survive scheduler restarts
// and stay queryable by external control tooling.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"procman/internal/job"
	"procman/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Config selects and configures the backend.
//
// Driver values:
//   - "file":   one JSON document per job under Path (atomic rename writes)
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process only; statuses do not survive a restart
//
// Empty Driver defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API for job statuses.
//
// Put must be atomic from a concurrent reader's perspective: All never
// observes a torn record.
type Store interface {
	Put(ctx context.Context, st job.Status) error
	All(ctx context.Context) ([]job.Status, error)
	// Delete removes the named record. Deleting an absent record is not an
	// error.
	Delete(ctx context.Context, name string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return newMemStore(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, ErrUnknownDriver
	}
}
