// Package store implements the SQLite-backed metadata repository for
// cachewarden: cached-file records and the append-only security-event log.
//
// Design rules, enforced throughout the package:
//
//   - Every query is parameterized. Concatenating values into SQL text is a
//     forbidden pattern; the only strings joined into statements are fixed
//     clause fragments defined in this package.
//   - Every write method takes the caller's UserContext and rejects the call
//     before touching the connection pool when the permission check or the
//     per-identity rate limit fails.
//   - Multi-statement writes run inside one immediate-mode transaction
//     (BEGIN IMMEDIATE), so the write lock is taken at transaction start and
//     readers never observe intermediate states.
//
// The schema mirrors the domain invariants with CHECK constraints (method
// and state enums, non-negative sizes, original_path <> cached_path), so
// even a bypassed validator cannot persist an invalid row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// Config controls the connection pool and transaction timeouts.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// MaxConnections bounds the pool; when exhausted, checkouts queue up to
	// CheckoutTimeout and then fail with a resource-exhausted error.
	MaxConnections int

	// BusyTimeout is how long SQLite waits on a locked database before a
	// statement fails, applied via PRAGMA busy_timeout.
	BusyTimeout time.Duration

	// CheckoutTimeout bounds how long a caller waits for a pooled
	// connection.
	CheckoutTimeout time.Duration
}

// Store owns the database handle and the connection pool.
//
// Thread Safety: Store is safe for concurrent use; database/sql provides
// the pooling and the per-path application locks in pkg/relocate serialize
// conflicting writers above this layer.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open opens (creating if needed) the database at cfg.Path, applies the
// connection PRAGMAs, and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}

	db, err := sql.Open("libsql", "file:"+cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, cfg: cfg}

	if err := s.applyPragmas(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened metadata store at %s (pool size %d)", cfg.Path, cfg.MaxConnections)
	return s, nil
}

// Close closes the database handle and drains the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// applyPragmas sets the connection PRAGMAs.
//
// busy_timeout MUST be set first: the journal_mode=WAL conversion needs
// exclusive file access and will wait for locks instead of failing with
// "database is locked". PRAGMAs are executed via Query because libsql
// returns rows for PRAGMA statements; the rows are drained and closed.
func (s *Store) applyPragmas() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		rows, err := s.db.Query(pragma)
		if err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed to close rows for %q: %w", pragma, err)
		}
	}
	return nil
}

// boundRead derives a context bounded by CheckoutTimeout for read-path
// queries, which run on any pooled connection rather than a dedicated one.
// Without the bound, a saturated pool makes QueryContext wait without limit
// for a free connection.
func (s *Store) boundRead(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
}

// readErr classifies a read-path failure. A deadline raised by the bounded
// read context while the caller's own context is still live means the pool
// never yielded a connection, which surfaces as the typed resource-exhausted
// error instead of a raw driver error.
func (s *Store) readErr(callerCtx context.Context, err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) && callerCtx.Err() == nil {
		return cache.NewError(cache.ErrResourceExhausted,
			"connection pool exhausted: checkout timed out", "")
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// unixOrZero converts a nullable unix-nano column value back to time.Time.
func unixOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// nanoOrZero converts a time.Time to its unix-nano column value.
func nanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
