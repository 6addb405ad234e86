// ratelimit.go implements token-bucket pacing for outbound requests.
//
// The REST client keeps one bucket, Markets, which caps the
// concurrent-fallback pressure on the Gamma API (32 burst / 16 per sec).
// Chat-platform send pacing lives in the delivery queue, which owns both
// the global ~30 msg/s ceiling and the per-recipient spacing.
//
// Buckets refill continuously rather than in window-sized bursts so a
// busy cycle cannot slam an upstream at the window boundary.
package upstream

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by upstream.
type RateLimiter struct {
	Markets *TokenBucket // Gamma API reads (batch call + per-id fallback)
}

// NewRateLimiter creates rate limiters tuned to the upstreams' tolerances.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Markets: NewTokenBucket(32, 16),
	}
}
