package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on the shared Redis instance.
type RedisStore struct {
	client redis.UniversalClient

	// Statistics
	hits   int64
	misses int64
	sets   int64
	errors int64
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

// Get retrieves a raw value
func (c *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddInt64(&c.misses, 1)
			return nil, false, nil
		}
		atomic.AddInt64(&c.errors, 1)
		return nil, false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	atomic.AddInt64(&c.hits, 1)
	return data, true, nil
}

// Set stores a raw value with a TTL
func (c *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	atomic.AddInt64(&c.sets, 1)
	return nil
}

// HGet reads one hash field
func (c *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		atomic.AddInt64(&c.errors, 1)
		return "", false, fmt.Errorf("failed to hget %s/%s from redis: %w", key, field, err)
	}
	return v, true, nil
}

// HSet writes one hash field
func (c *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := c.client.HSet(ctx, key, field, value).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return fmt.Errorf("failed to hset %s/%s in redis: %w", key, field, err)
	}
	return nil
}

// Ping checks connectivity
func (c *RedisStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Stats returns hit/miss/set/error counters
func (c *RedisStore) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Sets:   atomic.LoadInt64(&c.sets),
		Errors: atomic.LoadInt64(&c.errors),
	}
}
