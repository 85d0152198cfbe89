package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the shared fast tier backed by Redis
type RedisTier struct {
	rdb    *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// NewRedisTier connects to Redis and verifies the connection
func NewRedisTier(ctx context.Context, cfg RedisConfig) (*RedisTier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	tier := &RedisTier{rdb: rdb, prefix: cfg.KeyPrefix}
	if err := tier.Ping(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return tier, nil
}

// NewRedisTierFromClient wraps an existing client
func NewRedisTierFromClient(rdb *redis.Client, prefix string) *RedisTier {
	return &RedisTier{rdb: rdb, prefix: prefix}
}

func (t *RedisTier) key(k string) string {
	return t.prefix + k
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.rdb.Get(ctx, t.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return t.rdb.Set(ctx, t.key(key), data, ttl).Err()
}

func (t *RedisTier) SetNX(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	return t.rdb.SetNX(ctx, t.key(key), data, ttl).Result()
}

func (t *RedisTier) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *RedisTier) Name() string {
	return "redis"
}

// Close closes the Redis client
func (t *RedisTier) Close() error {
	return t.rdb.Close()
}
