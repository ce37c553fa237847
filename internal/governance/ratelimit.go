package governance

import (
	"sync"
	"time"
)

// Limit configures one token bucket.
type Limit struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter throttles calls per key with token buckets. Buckets start full.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter without buckets. Keys without a
// configured limit are never throttled.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*tokenBucket), now: time.Now}
}

// WithClock replaces the time source of every bucket, existing or not.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
	return rl
}

// Configure sets the limit of key. An existing bucket keeps its tokens,
// capped at the new burst.
func (rl *RateLimiter) Configure(key string, limit Limit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[key]; ok {
		b.configure(limit, rl.now())
		return
	}
	rl.buckets[key] = newTokenBucket(limit, rl.now())
}

// Allow takes a token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	now := rl.now
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return b.take(now())
}

// Stats returns the state of every bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		stats[key] = b.stats(now)
	}
	return stats
}

// RateLimitStats exposes the state of one bucket.
type RateLimitStats struct {
	Rate      float64 `json:"rate"`
	Burst     int     `json:"burst"`
	Available float64 `json:"available"`
}

// tokenBucket is clocked by its limiter.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(limit Limit, now time.Time) *tokenBucket {
	tb := &tokenBucket{lastRefill: now}
	tb.rate, tb.capacity = normalize(limit)
	tb.tokens = tb.capacity
	return tb
}

// normalize defaults the burst to the rate, with a floor of one token.
func normalize(limit Limit) (rate, capacity float64) {
	rate = limit.RequestsPerSecond
	if rate < 0 {
		rate = 0
	}
	capacity = float64(limit.Burst)
	if capacity <= 0 {
		capacity = rate
	}
	if capacity < 1 {
		capacity = 1
	}
	return rate, capacity
}

func (tb *tokenBucket) configure(limit Limit, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	tb.rate, tb.capacity = normalize(limit)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill must be called with mu held. A clock that moves backwards adds
// nothing and does not rewind the bucket.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{Rate: tb.rate, Burst: int(tb.capacity), Available: tb.tokens}
}
