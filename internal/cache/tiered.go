package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is applied to fast-tier entries when the caller passes none
const DefaultTTL = time.Hour

// Stats counts cache lookups by outcome
type Stats struct {
	FastHits    int64 `json:"fast_hits"`
	DurableHits int64 `json:"durable_hits"`
	Misses      int64 `json:"misses"`
	FastErrors  int64 `json:"fast_errors"`
}

// TieredCache reads through a fast tier into a durable tier. Fast-tier
// failures degrade silently to the durable tier.
type TieredCache struct {
	fast     FastTier
	durable  Tier
	fallback *MemoryTier // dedup markers when the fast tier is down
	ttl      time.Duration
	logger   *slog.Logger

	repopulate sync.WaitGroup

	fastHits    atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64
	fastErrors  atomic.Int64
}

// New creates a tiered cache. fast may be nil, in which case an
// in-process MemoryTier is used.
func New(fast FastTier, durable Tier, defaultTTL time.Duration, logger *slog.Logger) *TieredCache {
	if fast == nil {
		fast = NewMemoryTier()
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredCache{
		fast:     fast,
		durable:  durable,
		fallback: NewMemoryTier(),
		ttl:      defaultTTL,
		logger:   logger,
	}
}

// Get returns the sanitized value stored under key. A durable-tier hit is
// copied back into the fast tier in the background.
func (c *TieredCache) Get(ctx context.Context, key string) (any, bool) {
	data, ok := c.lookup(ctx, key)
	if !ok {
		return nil, false
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("Discarding undecodable cache entry",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return nil, false
	}
	return Sanitize(v), true
}

// GetInto decodes the cached value for key into dst
func (c *TieredCache) GetInto(ctx context.Context, key string, dst any) (bool, error) {
	v, ok := c.Get(ctx, key)
	if !ok {
		return false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to re-encode cached value: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

func (c *TieredCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := c.fast.Get(ctx, key)
	if err != nil {
		c.fastFailed("get", key, err)
	} else if ok {
		c.fastHits.Add(1)
		return data, true
	}

	if c.durable == nil {
		c.misses.Add(1)
		return nil, false
	}

	data, ok, err = c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Durable cache read failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	c.durableHits.Add(1)
	c.repopulate.Add(1)
	go func() {
		defer c.repopulate.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.fast.Set(rctx, key, data, c.ttl); err != nil {
			c.fastFailed("repopulate", key, err)
		}
	}()
	return data, true
}

// Set sanitizes value and stores it. The durable write must succeed; the
// fast-tier write is best effort.
func (c *TieredCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(Sanitize(value))
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	if c.durable != nil {
		if err := c.durable.Set(ctx, key, data, ttl); err != nil {
			c.logger.Error("Durable cache write failed",
				slog.String("key", key),
				slog.Any("error", err),
			)
			return fmt.Errorf("failed to write durable cache: %w", err)
		}
	}

	if err := c.fast.Set(ctx, key, data, ttl); err != nil {
		c.fastFailed("set", key, err)
	}
	return nil
}

// SetIfAbsent atomically claims key in the fast tier for ttl. It reports
// whether this call created the marker. When the fast tier fails the claim
// is made in process memory instead.
func (c *TieredCache) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	created, err := c.fast.SetNX(ctx, key, []byte("1"), ttl)
	if err != nil {
		c.fastFailed("setnx", key, err)
		return c.fallback.SetNX(ctx, key, []byte("1"), ttl)
	}
	return created, nil
}

// Ping checks the fast tier
func (c *TieredCache) Ping(ctx context.Context) error {
	return c.fast.Ping(ctx)
}

// FastTierName reports which fast tier is in use
func (c *TieredCache) FastTierName() string {
	return c.fast.Name()
}

// Wait blocks until pending background repopulations finish
func (c *TieredCache) Wait() {
	c.repopulate.Wait()
}

// Stats returns a snapshot of lookup counters
func (c *TieredCache) Stats() Stats {
	return Stats{
		FastHits:    c.fastHits.Load(),
		DurableHits: c.durableHits.Load(),
		Misses:      c.misses.Load(),
		FastErrors:  c.fastErrors.Load(),
	}
}

func (c *TieredCache) fastFailed(op, key string, err error) {
	c.fastErrors.Add(1)
	c.logger.Debug("Fast cache tier unavailable",
		slog.String("op", op),
		slog.String("tier", c.fast.Name()),
		slog.String("key", key),
		slog.Any("error", err),
	)
}
