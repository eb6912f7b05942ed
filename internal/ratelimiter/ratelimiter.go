// Package ratelimiter provides the two throttles consulted before any
// metadata or filesystem work:
//
//   - SlidingWindow: a per-identity request quota (default 100 operations
//     per 60-second window), checked by the repository so that throttled
//     callers never consume a pool connection.
//   - Bucket: an optional global token-bucket cap on engine throughput,
//     wrapping golang.org/x/time/rate.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Bucket enforces a global sustained-rate cap using the token bucket
// algorithm. It protects the filesystem and database from aggregate load
// regardless of how many identities are active.
//
// Thread Safety: all methods are safe for concurrent use.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a global limiter allowing opsPerSecond sustained
// operations with the given burst capacity.
//
// opsPerSecond == 0 disables the cap (effectively unlimited). A zero burst
// defaults to twice the sustained rate so short spikes are absorbed.
func NewBucket(opsPerSecond, burst uint) *Bucket {
	if opsPerSecond == 0 {
		// Effectively unlimited; rate.Inf has awkward burst semantics.
		opsPerSecond = 1_000_000_000
		burst = opsPerSecond
	}
	if burst == 0 {
		burst = opsPerSecond * 2
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(burst))}
}

// Allow reports whether one operation is allowed right now, consuming a
// token when it is. This is the fast path; it never blocks.
func (b *Bucket) Allow() bool {
	return b.limiter.Allow()
}

// AllowN reports whether n operations are allowed right now, consuming
// n tokens when they are.
func (b *Bucket) AllowN(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Wait blocks until a token is available or the context is cancelled, for
// callers that prefer throttling to rejection.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// SetLimit adjusts the sustained rate at runtime.
func (b *Bucket) SetLimit(opsPerSecond uint) {
	b.limiter.SetLimit(rate.Limit(opsPerSecond))
}

// SetBurst adjusts the burst capacity at runtime.
func (b *Bucket) SetBurst(burst uint) {
	b.limiter.SetBurst(int(burst))
}

// Tokens returns the current number of available tokens, for monitoring.
func (b *Bucket) Tokens() float64 {
	return b.limiter.Tokens()
}
