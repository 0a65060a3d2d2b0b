// Package store persists task records.
//
// Four drivers implement the same contract: "memory" (dependency-free,
// in-process), "sqlite", "mysql" and "postgres". All drivers share the
// readiness rules: a record is ready when it is pending, its not-before gate
// has passed, and none of its children are pending or in progress.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

var (
	// ErrNotFound is returned for lookups of ids the store has never seen.
	ErrNotFound = errors.New("store: task not found")
)

// Config selects and configures a driver.
//
// Driver values:
//   - "memory": in-process store, contents lost on restart
//   - "sqlite": SQLite database file (Path)
//   - "mysql", "postgres": server databases (DSN)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the scheduler and by producers.
//
// FetchReady and Persist are called at least once per scheduler tick, with
// zero or more records; both must tolerate that. Persist is at-least-once
// from the scheduler's perspective: a failed write is simply replayed on the
// next tick with the same terminal values.
type Store interface {
	// Create persists rec and its attached children in one transaction and
	// assigns their ids. It rejects records that already have an id and
	// records carrying a ParentID (sub-tasks are only created through their
	// parent's batch).
	Create(ctx context.Context, rec *task.Record) error

	// FetchReady returns up to limit ready records ordered ascending by id,
	// skipping any id present in exclude (work already in flight).
	FetchReady(ctx context.Context, limit int, exclude []int64) ([]*task.Record, error)

	// Persist writes state and result-field mutations for a batch of records
	// and reports how many rows were written. A transition to in_progress is
	// conditional: it only lands on rows still pending, so a cancel racing
	// the dispatch is never overwritten. Records whose row did not match are
	// not counted.
	Persist(ctx context.Context, recs []*task.Record) (int, error)

	// Get returns a copy of one record (children not populated).
	Get(ctx context.Context, id int64) (*task.Record, error)

	// Cancel moves a pending record to cancelled. Cancelling an already
	// cancelled record is a no-op; any other state fails with
	// task.ErrNotCancellable.
	Cancel(ctx context.Context, id int64) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("store: unknown driver: " + driver)
	}
}
