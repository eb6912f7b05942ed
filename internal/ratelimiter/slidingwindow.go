package ratelimiter

import (
	"sync"
	"time"
)

// DefaultPerUserLimit is the default number of operations allowed per
// identity within one window.
const DefaultPerUserLimit = 100

// DefaultWindow is the default sliding-window length.
const DefaultWindow = 60 * time.Second

// SlidingWindow is a per-identity sliding-window request throttle.
//
// Each identity owns a slice of operation timestamps; a request is allowed
// while fewer than limit timestamps fall inside the trailing window. The
// check is purely in-memory, so rejected requests cost neither a database
// connection nor a filesystem call.
//
// Stale identities are pruned opportunistically: at most once per window
// length, a call sweeps the whole map and drops identities with no recent
// activity, bounding memory under identity churn.
//
// Thread Safety: all methods are safe for concurrent use.
type SlidingWindow struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	calls     map[string][]time.Time
	lastSweep time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewSlidingWindow creates a sliding-window limiter allowing limit
// operations per identity within the given window. Non-positive arguments
// fall back to the defaults (100 operations per 60 seconds).
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultPerUserLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one operation for userID and reports whether it fits the
// quota. The operation counts against the window only when allowed, so a
// throttled caller does not push its own recovery further away.
func (s *SlidingWindow) Allow(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)

	recent := trimBefore(s.calls[userID], cutoff)
	if len(recent) >= s.limit {
		s.calls[userID] = recent
		s.maybeSweep(now, cutoff)
		return false
	}

	s.calls[userID] = append(recent, now)
	s.maybeSweep(now, cutoff)
	return true
}

// Remaining returns how many operations userID may still perform in the
// current window. Primarily useful for status surfaces and tests.
func (s *SlidingWindow) Remaining(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := trimBefore(s.calls[userID], s.now().Add(-s.window))
	s.calls[userID] = recent
	if n := s.limit - len(recent); n > 0 {
		return n
	}
	return 0
}

// maybeSweep drops identities whose every recorded timestamp has aged out.
// Caller must hold mu.
func (s *SlidingWindow) maybeSweep(now time.Time, cutoff time.Time) {
	if now.Sub(s.lastSweep) < s.window {
		return
	}
	s.lastSweep = now
	for id, stamps := range s.calls {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(s.calls, id)
		}
	}
}

// trimBefore returns the suffix of stamps strictly after cutoff. Timestamps
// are appended in order, so a single scan finds the boundary.
func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
