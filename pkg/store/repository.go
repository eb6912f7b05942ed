package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grinzolo/cachewarden/internal/ratelimiter"
	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// recordColumns is the fixed column list shared by every cached_files
// query, keeping scan order in one place.
const recordColumns = `id, original_path, cached_path, filename, method,
	size_bytes, checksum, state, added_by, created_at, last_verified_at`

// Repository is the data-access layer over cached-file records.
//
// Every public method checks the caller's permission (fail closed) before
// touching the connection pool, and the repository owns the per-identity
// rate limiter consulted (via Throttle) ahead of every external request.
// Both checks cost no database resources, so misbehaving callers are
// rejected cheaply.
//
// Thread Safety: safe for concurrent use.
type Repository struct {
	store       *Store
	limiter     *ratelimiter.SlidingWindow
	maxFileSize int64
}

// NewRepository wires a Repository over an open Store.
//
// limiter may be nil to disable per-identity throttling (tests).
// maxFileSize bounds accepted record sizes; <= 0 means unbounded.
func NewRepository(store *Store, limiter *ratelimiter.SlidingWindow, maxFileSize int64) *Repository {
	return &Repository{store: store, limiter: limiter, maxFileSize: maxFileSize}
}

// guard performs the permission check that precedes every repository
// operation. Checks fail closed: an unknown role denies everything.
func (r *Repository) guard(user authz.UserContext, perm authz.Permission) error {
	return authz.Check(user, perm)
}

// Throttle enforces the per-identity sliding-window quota.
//
// One external request consults it exactly once, before path validation and
// before any pool checkout, so a throttled caller costs neither a database
// connection nor a filesystem call. The internal lifecycle writes of a
// single relocation (insert, then commit or fail) deliberately do not count
// separately: the quota is per caller request, not per SQL statement.
func (r *Repository) Throttle(user authz.UserContext) error {
	if r.limiter != nil && !r.limiter.Allow(user.UserID) {
		return cache.NewError(cache.ErrRateLimited,
			"rate limit exceeded for user "+user.UserID, "")
	}
	return nil
}

// validateRecord enforces the domain invariants that the schema CHECK
// constraints mirror, so violations produce a typed validation error
// instead of a driver error.
func (r *Repository) validateRecord(rec *cache.CachedFileRecord) error {
	switch {
	case rec == nil:
		return cache.NewError(cache.ErrValidation, "nil record", "")
	case rec.ID == "":
		return cache.NewError(cache.ErrValidation, "record ID is required", "")
	case rec.OriginalPath == "" || rec.CachedPath == "":
		return cache.NewError(cache.ErrValidation, "both original and cached paths are required", "")
	case rec.OriginalPath == rec.CachedPath:
		return cache.NewError(cache.ErrValidation, "original and cached paths must differ", rec.OriginalPath)
	case rec.Filename == "":
		return cache.NewError(cache.ErrValidation, "filename is required", "")
	case !rec.Method.Valid():
		return cache.NewError(cache.ErrValidation, "unknown relocation method "+string(rec.Method), "")
	case rec.SizeBytes < 0:
		return cache.NewError(cache.ErrValidation, "size must be non-negative", rec.OriginalPath)
	}
	if r.maxFileSize > 0 && rec.SizeBytes > r.maxFileSize {
		return cache.NewError(cache.ErrValidation,
			fmt.Sprintf("size %d exceeds maximum %d", rec.SizeBytes, r.maxFileSize), rec.OriginalPath)
	}
	return nil
}

// Insert creates a PENDING record for a relocation that is about to begin.
//
// Requires Write permission. Inside one immediate-mode transaction it
// removes any stale terminal row (FAILED or REMOVED) for the same original
// path and inserts the new row, so retries after failure do not accumulate
// rows and readers never observe both.
//
// Returns ErrConflict when a PENDING or COMMITTED row already holds the
// path; at most one non-terminal relocation per original path can exist.
func (r *Repository) Insert(ctx context.Context, user authz.UserContext, rec *cache.CachedFileRecord) error {
	if err := r.guard(user, authz.PermWrite); err != nil {
		return err
	}
	if err := r.validateRecord(rec); err != nil {
		return err
	}

	return r.store.withImmediateTx(ctx, func(ctx context.Context, tx *Tx) error {
		var state string
		err := tx.QueryRow(ctx,
			`SELECT state FROM cached_files WHERE original_path = ?`,
			rec.OriginalPath,
		).Scan(&state)

		switch {
		case err == nil:
			switch cache.RecordState(state) {
			case cache.StatePending:
				return cache.NewError(cache.ErrConflict,
					"a relocation is already in flight for this path", rec.OriginalPath)
			case cache.StateCommitted:
				return cache.NewError(cache.ErrConflict,
					"path is already cached", rec.OriginalPath)
			default:
				// Stale terminal row: replace it in the same transaction.
				if _, err := tx.Exec(ctx,
					`DELETE FROM cached_files WHERE original_path = ?`,
					rec.OriginalPath); err != nil {
					return fmt.Errorf("failed to delete stale record: %w", err)
				}
			}
		case errors.Is(err, sql.ErrNoRows):
			// First record for this path.
		default:
			return fmt.Errorf("failed to query existing record: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO cached_files (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OriginalPath, rec.CachedPath, rec.Filename,
			string(rec.Method), rec.SizeBytes, rec.Checksum,
			string(cache.StatePending), rec.AddedBy,
			nanoOrZero(rec.CreatedAt), nanoOrZero(rec.LastVerifiedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
}

// MarkCommitted transitions a PENDING record to COMMITTED, storing the
// observed payload size and the commit-time checksum.
//
// Requires Write permission. Returns ErrConflict if the record is not
// PENDING (the transition already happened or the record was never staged).
func (r *Repository) MarkCommitted(ctx context.Context, user authz.UserContext, id string, sizeBytes int64, checksum string) error {
	if err := r.guard(user, authz.PermWrite); err != nil {
		return err
	}
	if sizeBytes < 0 {
		return cache.NewError(cache.ErrValidation, "size must be non-negative", "")
	}

	return r.store.withImmediateTx(ctx, func(ctx context.Context, tx *Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE cached_files
			SET state = ?, size_bytes = ?, checksum = ?
			WHERE id = ? AND state = ?`,
			string(cache.StateCommitted), sizeBytes, checksum,
			id, string(cache.StatePending),
		)
		if err != nil {
			return fmt.Errorf("failed to mark record committed: %w", err)
		}
		return requireOneRow(res, id, "no PENDING record to commit")
	})
}

// MarkFailed transitions a PENDING record to FAILED.
//
// Requires Write permission. The failure reason travels in the audit log,
// not the row: rows stay immutable apart from their lifecycle fields.
func (r *Repository) MarkFailed(ctx context.Context, user authz.UserContext, id string) error {
	if err := r.guard(user, authz.PermWrite); err != nil {
		return err
	}

	return r.store.withImmediateTx(ctx, func(ctx context.Context, tx *Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE cached_files SET state = ? WHERE id = ? AND state = ?`,
			string(cache.StateFailed), id, string(cache.StatePending),
		)
		if err != nil {
			return fmt.Errorf("failed to mark record failed: %w", err)
		}
		return requireOneRow(res, id, "no PENDING record to fail")
	})
}

// Remove transitions a COMMITTED record to REMOVED after its cache copy has
// been reclaimed.
//
// Requires Delete permission. The transition re-validates inside the
// transaction that the record is not referenced by an in-flight operation:
// a PENDING row is a conflict, anything else but COMMITTED is not found.
func (r *Repository) Remove(ctx context.Context, user authz.UserContext, id string) error {
	if err := r.guard(user, authz.PermDelete); err != nil {
		return err
	}

	return r.store.withImmediateTx(ctx, func(ctx context.Context, tx *Tx) error {
		var state string
		err := tx.QueryRow(ctx,
			`SELECT state FROM cached_files WHERE id = ?`, id,
		).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return cache.NewError(cache.ErrNotFound, "no record with id "+id, "")
		}
		if err != nil {
			return fmt.Errorf("failed to query record state: %w", err)
		}

		switch cache.RecordState(state) {
		case cache.StatePending:
			return cache.NewError(cache.ErrConflict,
				"record is referenced by an in-flight relocation", "")
		case cache.StateCommitted:
			// Fall through to the transition below.
		default:
			return cache.NewError(cache.ErrNotFound,
				"record is already terminal ("+state+")", "")
		}

		res, err := tx.Exec(ctx, `
			UPDATE cached_files SET state = ? WHERE id = ? AND state = ?`,
			string(cache.StateRemoved), id, string(cache.StateCommitted),
		)
		if err != nil {
			return fmt.Errorf("failed to mark record removed: %w", err)
		}
		return requireOneRow(res, id, "record changed state concurrently")
	})
}

// FindByOriginalPath returns the unique record for an original path.
//
// Requires Read permission. Returns ErrNotFound when no record exists.
func (r *Repository) FindByOriginalPath(ctx context.Context, user authz.UserContext, originalPath string) (*cache.CachedFileRecord, error) {
	if err := r.guard(user, authz.PermRead); err != nil {
		return nil, err
	}

	qctx, cancel := r.store.boundRead(ctx)
	defer cancel()

	row := r.store.db.QueryRowContext(qctx, `
		SELECT `+recordColumns+` FROM cached_files WHERE original_path = ?`,
		originalPath,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.NewError(cache.ErrNotFound, "no record for path", originalPath)
	}
	if err != nil {
		return nil, r.store.readErr(ctx, err, "failed to load record")
	}
	return rec, nil
}

// ListByState returns all records in the given lifecycle state, oldest
// first. Requires Read permission.
func (r *Repository) ListByState(ctx context.Context, user authz.UserContext, state cache.RecordState) ([]cache.CachedFileRecord, error) {
	if err := r.guard(user, authz.PermRead); err != nil {
		return nil, err
	}
	if !state.Valid() {
		return nil, cache.NewError(cache.ErrValidation, "unknown record state "+string(state), "")
	}

	qctx, cancel := r.store.boundRead(ctx)
	defer cancel()

	rows, err := r.store.db.QueryContext(qctx, `
		SELECT `+recordColumns+` FROM cached_files
		WHERE state = ? ORDER BY created_at ASC`,
		string(state),
	)
	if err != nil {
		return nil, r.store.readErr(ctx, err, "failed to list records")
	}
	return collectRecords(rows)
}

// ListAll returns every record, oldest first. Requires Read permission.
// The integrity checker reconciles this listing against the filesystem.
func (r *Repository) ListAll(ctx context.Context, user authz.UserContext) ([]cache.CachedFileRecord, error) {
	if err := r.guard(user, authz.PermRead); err != nil {
		return nil, err
	}

	qctx, cancel := r.store.boundRead(ctx)
	defer cancel()

	rows, err := r.store.db.QueryContext(qctx, `
		SELECT `+recordColumns+` FROM cached_files ORDER BY created_at ASC`)
	if err != nil {
		return nil, r.store.readErr(ctx, err, "failed to list records")
	}
	return collectRecords(rows)
}

// UpdateLastVerified bumps last_verified_at for a record the integrity
// checker found consistent. Requires Admin permission; this is the only
// mutation allowed on a terminal row.
func (r *Repository) UpdateLastVerified(ctx context.Context, user authz.UserContext, id string, verifiedAt time.Time) error {
	if err := r.guard(user, authz.PermAdmin); err != nil {
		return err
	}

	return r.store.withImmediateTx(ctx, func(ctx context.Context, tx *Tx) error {
		res, err := tx.Exec(ctx,
			`UPDATE cached_files SET last_verified_at = ? WHERE id = ?`,
			nanoOrZero(verifiedAt), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update verification time: %w", err)
		}
		return requireOneRow(res, id, "no record to verify")
	})
}

// Stats aggregates record counts per state and total committed payload
// bytes. This is the Public-readable listing surface, so it only requires
// Read permission.
func (r *Repository) Stats(ctx context.Context, user authz.UserContext) (*cache.Stats, error) {
	if err := r.guard(user, authz.PermRead); err != nil {
		return nil, err
	}

	qctx, cancel := r.store.boundRead(ctx)
	defer cancel()

	rows, err := r.store.db.QueryContext(qctx, `
		SELECT state, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM cached_files GROUP BY state`)
	if err != nil {
		return nil, r.store.readErr(ctx, err, "failed to aggregate stats")
	}
	defer func() { _ = rows.Close() }()

	stats := &cache.Stats{RecordsByState: make(map[cache.RecordState]int64)}
	for rows.Next() {
		var state string
		var count, bytes int64
		if err := rows.Scan(&state, &count, &bytes); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.RecordsByState[cache.RecordState(state)] = count
		if cache.RecordState(state) == cache.StateCommitted {
			stats.BytesCommitted = bytes
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats rows: %w", err)
	}
	return stats, nil
}

// requireOneRow converts a zero-row UPDATE into a conflict error carrying
// the record id.
func requireOneRow(res sql.Result, id, message string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return cache.NewError(cache.ErrConflict, message+" (id "+id+")", "")
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*cache.CachedFileRecord, error) {
	var rec cache.CachedFileRecord
	var method, state string
	var createdNs, verifiedNs int64

	err := row.Scan(
		&rec.ID, &rec.OriginalPath, &rec.CachedPath, &rec.Filename,
		&method, &rec.SizeBytes, &rec.Checksum, &state, &rec.AddedBy,
		&createdNs, &verifiedNs,
	)
	if err != nil {
		return nil, err
	}

	rec.Method = cache.RelocationMethod(method)
	rec.State = cache.RecordState(state)
	rec.CreatedAt = unixOrZero(createdNs)
	rec.LastVerifiedAt = unixOrZero(verifiedNs)
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]cache.CachedFileRecord, error) {
	defer func() { _ = rows.Close() }()

	var records []cache.CachedFileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
