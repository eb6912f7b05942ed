package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/grinzolo/cachewarden/pkg/cache"
)

// recorder captures events in memory and can be told to fail.
type recorder struct {
	mu     sync.Mutex
	events []cache.SecurityEvent
	err    error
}

func (r *recorder) InsertEvent(ctx context.Context, ev cache.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) last(t *testing.T) cache.SecurityEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("no events recorded")
	}
	return r.events[len(r.events)-1]
}

func TestRecordFillsIdentityAndTimestamp(t *testing.T) {
	rec := &recorder{}
	l := NewLogger(rec)
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Record(context.Background(), cache.SecurityEvent{
		EventType: cache.EventAuthzDenied,
		UserID:    "mallory",
		Resource:  "/etc/passwd",
		Action:    "cache",
	})

	got := rec.last(t)
	if got.ID == "" {
		t.Fatal("Record must assign an event ID")
	}
	if !got.Timestamp.Equal(fixed) {
		t.Fatalf("Timestamp = %v, want %v", got.Timestamp, fixed)
	}

	// Caller-provided identity and timestamp are preserved
	explicit := cache.SecurityEvent{
		ID:        "explicit-id",
		EventType: cache.EventRateLimited,
		Timestamp: fixed.Add(time.Hour),
	}
	l.Record(context.Background(), explicit)
	got = rec.last(t)
	if got.ID != "explicit-id" {
		t.Fatalf("ID = %q, want explicit-id", got.ID)
	}
	if !got.Timestamp.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("Timestamp = %v, want %v", got.Timestamp, fixed.Add(time.Hour))
	}
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	rec := &recorder{}
	l := NewLogger(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Record(ctx, cache.SecurityEvent{EventType: cache.EventRelocationFailed, UserID: "u"})
	if got := rec.last(t); got.EventType != cache.EventRelocationFailed {
		t.Fatalf("event not recorded on cancelled context: %+v", got)
	}
}

func TestRecordSwallowsWriterErrors(t *testing.T) {
	rec := &recorder{err: errors.New("disk full")}
	l := NewLogger(rec)

	// Must not panic or propagate; the primary operation owns the outcome
	l.Record(context.Background(), cache.SecurityEvent{EventType: cache.EventAuthzDenied})
}

func TestDeniedAndOutcomeShape(t *testing.T) {
	rec := &recorder{}
	l := NewLogger(rec)
	ctx := context.Background()

	l.Denied(ctx, cache.EventValidationRejected, "mallory", "/srv/../etc", "cache", "traversal")
	got := rec.last(t)
	if got.Success {
		t.Fatal("Denied events must not be marked successful")
	}
	if got.Details != "traversal" || got.Action != "cache" {
		t.Fatalf("unexpected event shape: %+v", got)
	}

	l.Outcome(ctx, cache.EventRelocationCommitted, "alice", "/srv/media/a.mkv", "cache", true, "method=copy")
	got = rec.last(t)
	if !got.Success {
		t.Fatal("successful outcome must be marked successful")
	}
	if got.EventType != cache.EventRelocationCommitted {
		t.Fatalf("EventType = %q", got.EventType)
	}
}
