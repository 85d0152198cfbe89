package resilience

import (
	"sync"
	"time"
)

// TokenBucket is a continuously refilling admission counter.
// It refills capacity tokens per period, capped at capacity.
type TokenBucket struct {
	capacity float64
	period   float64 // seconds

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	evicted    bool
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(capacity int, period time.Duration, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		period:     period.Seconds(),
		tokens:     float64(capacity),
		lastUpdate: now,
	}
}

// RefillRate returns the refill speed in tokens per second
func (b *TokenBucket) RefillRate() float64 {
	return b.capacity / b.period
}

// Consume applies accrued refill, then takes n tokens if available
func (b *TokenBucket) Consume(n int, now time.Time) bool {
	ok, _ := b.consume(n, now)
	return ok
}

// consume reports live=false without touching tokens once the bucket was
// evicted from its limiter
func (b *TokenBucket) consume(n int, now time.Time) (ok, live bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return false, false
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.capacity/b.period)
		b.lastUpdate = now
	}

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, true
	}
	return false, true
}

// Tokens returns the token count as of the last update
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// evictIfIdle marks the bucket dead when it has been idle longer than maxIdle
func (b *TokenBucket) evictIfIdle(now time.Time, maxIdle time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted || now.Sub(b.lastUpdate) <= maxIdle {
		return false
	}
	b.evicted = true
	return true
}

// RateLimiterConfig holds rate limiting configuration
type RateLimiterConfig struct {
	Capacity int           // calls admitted per period
	Period   time.Duration // refill period
	Now      func() time.Time
}

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	capacity int
	period   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 60
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &RateLimiter{
		capacity: cfg.Capacity,
		period:   cfg.Period,
		now:      cfg.Now,
		buckets:  make(map[string]*TokenBucket),
	}
}

// Allow reports whether one call for key is admitted right now
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	for {
		b := rl.bucket(key, now)
		if ok, live := b.consume(1, now); live {
			return ok
		}
		// lost a race with Cleanup
		rl.remove(key, b)
	}
}

// remove deletes key only while it still maps to b
func (rl *RateLimiter) remove(key string, b *TokenBucket) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.buckets[key] == b {
		delete(rl.buckets, key)
	}
}

func (rl *RateLimiter) bucket(key string, now time.Time) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = NewTokenBucket(rl.capacity, rl.period, now)
		rl.buckets[key] = b
	}
	return b
}

// Capacity returns the configured bucket size
func (rl *RateLimiter) Capacity() int {
	return rl.capacity
}

// Cleanup drops buckets idle for longer than maxIdle and returns how many were removed
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	snapshot := make(map[string]*TokenBucket, len(rl.buckets))
	for k, b := range rl.buckets {
		snapshot[k] = b
	}
	rl.mu.Unlock()

	removed := 0
	for k, b := range snapshot {
		// the idle check and the eviction share the bucket lock, so a
		// concurrent Allow either refreshes it first or sees it evicted
		if b.evictIfIdle(now, maxIdle) {
			rl.remove(k, b)
			removed++
		}
	}
	return removed
}
