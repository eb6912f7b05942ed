package ratelimiter

import (
	"testing"
	"time"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestWindow(limit int, window time.Duration) (*SlidingWindow, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sw := NewSlidingWindow(limit, window)
	sw.now = clock.now
	return sw, clock
}

// TestSlidingWindowQuota verifies the exact quota boundary: every call up
// to the limit succeeds and the next one is rejected.
func TestSlidingWindowQuota(t *testing.T) {
	sw, _ := newTestWindow(100, 60*time.Second)

	for i := 0; i < 100; i++ {
		if !sw.Allow("alice") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if sw.Allow("alice") {
		t.Fatal("call 101 should be rejected")
	}
	if got := sw.Remaining("alice"); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}
}

// TestSlidingWindowRejectedCallsDoNotCount verifies that a throttled caller
// does not extend its own throttling.
func TestSlidingWindowRejectedCallsDoNotCount(t *testing.T) {
	sw, clock := newTestWindow(2, 10*time.Second)

	sw.Allow("bob")
	sw.Allow("bob")

	// Hammer while throttled; none of these should count
	for i := 0; i < 50; i++ {
		if sw.Allow("bob") {
			t.Fatal("call over quota should be rejected")
		}
	}

	// Once the original two calls age out, quota is fully restored
	clock.advance(11 * time.Second)
	if !sw.Allow("bob") {
		t.Fatal("call should be allowed after window slides past old calls")
	}
}

// TestSlidingWindowSlides verifies calls age out individually rather than
// the window resetting in fixed steps.
func TestSlidingWindowSlides(t *testing.T) {
	sw, clock := newTestWindow(3, 60*time.Second)

	sw.Allow("carol") // t=0
	clock.advance(30 * time.Second)
	sw.Allow("carol") // t=30
	sw.Allow("carol") // t=30

	if sw.Allow("carol") {
		t.Fatal("fourth call within window should be rejected")
	}

	// t=61: only the first call has aged out, so exactly one slot opens
	clock.advance(31 * time.Second)
	if !sw.Allow("carol") {
		t.Fatal("one slot should open after first call ages out")
	}
	if sw.Allow("carol") {
		t.Fatal("second extra call should still be rejected")
	}
}

// TestSlidingWindowPerIdentity verifies identities do not share quota.
func TestSlidingWindowPerIdentity(t *testing.T) {
	sw, _ := newTestWindow(1, time.Minute)

	if !sw.Allow("dave") {
		t.Fatal("dave's first call should be allowed")
	}
	if sw.Allow("dave") {
		t.Fatal("dave's second call should be rejected")
	}
	if !sw.Allow("erin") {
		t.Fatal("erin should have a separate quota")
	}
}

// TestSlidingWindowSweep verifies idle identities are pruned from the map.
func TestSlidingWindowSweep(t *testing.T) {
	sw, clock := newTestWindow(10, time.Second)

	for i := 0; i < 20; i++ {
		sw.Allow("ghost-" + string(rune('a'+i)))
	}

	// Two window lengths later a single call triggers the sweep
	clock.advance(2 * time.Second)
	sw.Allow("live")

	sw.mu.Lock()
	n := len(sw.calls)
	sw.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected only the live identity after sweep, got %d entries", n)
	}
}

// TestSlidingWindowDefaults verifies non-positive arguments fall back to
// the documented defaults.
func TestSlidingWindowDefaults(t *testing.T) {
	sw := NewSlidingWindow(0, 0)
	if sw.limit != DefaultPerUserLimit {
		t.Fatalf("limit = %d, want %d", sw.limit, DefaultPerUserLimit)
	}
	if sw.window != DefaultWindow {
		t.Fatalf("window = %v, want %v", sw.window, DefaultWindow)
	}
}
