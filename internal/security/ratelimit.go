package security

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket. It starts full.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        float64
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
	now          func() time.Time
}

// NewRateLimiter allows rate operations per second sustained, with bursts
// of up to burst operations.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Before(r.blockedUntil) {
		return false
	}

	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastRefill = now

	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Block refuses every operation for d, regardless of tokens.
func (r *RateLimiter) Block(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if until := r.now().Add(d); until.After(r.blockedUntil) {
		r.blockedUntil = until
	}
}

// Reset refills the bucket and lifts any block.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = r.burst
	r.lastRefill = r.now()
	r.blockedUntil = time.Time{}
}
