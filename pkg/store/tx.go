package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// Tx is an immediate-mode transaction running on a dedicated pooled
// connection.
//
// BEGIN IMMEDIATE acquires the database write lock at transaction start
// rather than at first write, so two committers can never interleave
// partial updates to the same record: the second blocks (bounded by
// PRAGMA busy_timeout) until the first finishes.
type Tx struct {
	conn *sql.Conn
}

// Exec runs a parameterized statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryRow runs a parameterized single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Query runs a parameterized multi-row query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

// withImmediateTx checks a connection out of the pool (bounded by
// CheckoutTimeout), opens an immediate-mode transaction on it, runs fn, and
// commits or rolls back.
//
// Pool exhaustion surfaces as a resource-exhausted domain error rather than
// an unbounded wait; a database still locked after busy_timeout surfaces
// the same way. fn's error is returned unchanged after rollback.
func (s *Store) withImmediateTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	checkoutCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	defer cancel()

	conn, err := s.db.Conn(checkoutCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return cache.NewError(cache.ErrResourceExhausted,
				"connection pool exhausted: checkout timed out", "")
		}
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isBusy(err) {
			return cache.NewError(cache.ErrResourceExhausted,
				"database write lock unavailable", "")
		}
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	if err := fn(ctx, &Tx{conn: conn}); err != nil {
		// Roll back on a fresh context: the caller's context may already be
		// cancelled, and an unfinished transaction must not leak back into
		// the pool.
		rbCtx, rbCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rbCancel()
		if _, rbErr := conn.ExecContext(rbCtx, "ROLLBACK"); rbErr != nil {
			logger.Error("Failed to roll back transaction: %v", rbErr)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		// The transaction may still be open on this connection; roll it back
		// before the connection returns to the pool, the same way the
		// fn-error path does.
		rbCtx, rbCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rbCancel()
		if _, rbErr := conn.ExecContext(rbCtx, "ROLLBACK"); rbErr != nil {
			logger.Error("Failed to roll back transaction after commit failure: %v", rbErr)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite's "database is locked" condition.
// The libsql driver does not export a typed error for it, so this matches
// on the stable message fragment.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
