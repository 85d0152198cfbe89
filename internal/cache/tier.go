package cache

import (
	"context"
	"time"
)

// Tier stores encoded values by key
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// FastTier is a TTL-aware tier that can set a key atomically only if absent
type FastTier interface {
	Tier
	SetNX(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Name() string
}
