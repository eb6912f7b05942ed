package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/grinzolo/cachewarden/pkg/authz"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// defaultEventLimit caps unfiltered security-event listings.
const defaultEventLimit = 1000

// InsertEvent appends one security event.
//
// No UserContext is required: events are written by the audit logger on the
// engine's behalf, including for requests that failed authorization, and the
// table is append-only by construction (no UPDATE or DELETE statements exist
// in this package).
func (r *Repository) InsertEvent(ctx context.Context, ev cache.SecurityEvent) error {
	if ev.ID == "" || ev.EventType == "" {
		return cache.NewError(cache.ErrValidation, "event id and type are required", "")
	}

	qctx, cancel := r.store.boundRead(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(qctx, `
		INSERT INTO security_events
			(id, event_type, user_id, resource, action, success, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventType, ev.UserID, ev.Resource, ev.Action,
		boolToInt(ev.Success), ev.Details, nanoOrZero(ev.Timestamp),
	)
	if err != nil {
		return r.store.readErr(ctx, err, "failed to insert security event")
	}
	return nil
}

// ListEvents returns security events matching the filter, newest first.
//
// Requires Admin permission: the audit log records caller identities and
// rejected paths, which only administrators may read.
//
// The WHERE clause is assembled from fixed fragments; filter values travel
// exclusively as bound parameters.
func (r *Repository) ListEvents(ctx context.Context, user authz.UserContext, filter cache.EventFilter) ([]cache.SecurityEvent, error) {
	if err := r.guard(user, authz.PermAdmin); err != nil {
		return nil, err
	}

	query := `
		SELECT id, event_type, user_id, resource, action, success, details, timestamp
		FROM security_events`
	var clauses []string
	var args []any

	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	qctx, cancel := r.store.boundRead(ctx)
	defer cancel()

	rows, err := r.store.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, r.store.readErr(ctx, err, "failed to list security events")
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]cache.SecurityEvent, error) {
	defer func() { _ = rows.Close() }()

	var events []cache.SecurityEvent
	for rows.Next() {
		var ev cache.SecurityEvent
		var success int
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.UserID, &ev.Resource,
			&ev.Action, &success, &ev.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		ev.Success = success != 0
		ev.Timestamp = unixOrZero(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security events: %w", err)
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
