// Package audit provides the structured, append-only log of every
// security-relevant and relocation event.
//
// Audit writes are fire-and-forget from the caller's perspective: a failure
// to persist an audit record is itself logged, but never changes the
// outcome of the primary operation. Observability must not become an
// availability hazard.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/grinzolo/cachewarden/internal/logger"
	"github.com/grinzolo/cachewarden/pkg/cache"
)

// EventWriter persists security events. *store.Repository implements it;
// tests substitute an in-memory recorder.
type EventWriter interface {
	InsertEvent(ctx context.Context, ev cache.SecurityEvent) error
}

// Logger records security events through an EventWriter.
//
// Thread Safety: safe for concurrent use when the underlying writer is.
type Logger struct {
	writer EventWriter

	// now is injectable for tests.
	now func() time.Time
}

// NewLogger creates an audit logger over the given writer.
func NewLogger(writer EventWriter) *Logger {
	return &Logger{writer: writer, now: time.Now}
}

// Record persists one event, filling in ID and timestamp when unset.
//
// Persistence failures are logged and swallowed; the audit trail degrades
// to the process log rather than failing the guarded operation. Writes run
// on a detached context so an already-cancelled request still leaves its
// audit trace.
func (l *Logger) Record(ctx context.Context, ev cache.SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.writer.InsertEvent(writeCtx, ev); err != nil {
		logger.Error("Failed to write audit event %s (%s user=%s resource=%s): %v",
			ev.ID, ev.EventType, ev.UserID, ev.Resource, err)
		return
	}
	logger.Debug("Audit: %s user=%s resource=%s action=%s success=%t",
		ev.EventType, ev.UserID, ev.Resource, ev.Action, ev.Success)
}

// Denied records a failed authorization, validation, or quota check.
func (l *Logger) Denied(ctx context.Context, eventType, userID, resource, action, details string) {
	l.Record(ctx, cache.SecurityEvent{
		EventType: eventType,
		UserID:    userID,
		Resource:  resource,
		Action:    action,
		Success:   false,
		Details:   details,
	})
}

// Outcome records the terminal result of a relocation or release.
func (l *Logger) Outcome(ctx context.Context, eventType, userID, resource, action string, success bool, details string) {
	l.Record(ctx, cache.SecurityEvent{
		EventType: eventType,
		UserID:    userID,
		Resource:  resource,
		Action:    action,
		Success:   success,
		Details:   details,
	})
}
