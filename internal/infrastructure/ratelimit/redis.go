// redis.go: Redis sorted-set backend for the distributed sliding window
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindowStore keeps one sorted set per window key, members being
// request tokens scored by arrival time in milliseconds.
type RedisWindowStore struct {
	client redis.UniversalClient
}

// NewRedisWindowStore wraps an existing client.
func NewRedisWindowStore(client redis.UniversalClient) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

var _ WindowStore = (*RedisWindowStore)(nil)

// Record runs ZREMRANGEBYSCORE, ZADD, ZCARD and EXPIRE inside MULTI/EXEC so
// two concurrent callers can never both observe a count below the limit.
func (s *RedisWindowStore) Record(ctx context.Context, key, token string, now time.Time, window time.Duration) (int64, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: token})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, expiryFor(window))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisWindowStore) Remove(ctx context.Context, key, token string) error {
	return s.client.ZRem(ctx, key, token).Err()
}

func (s *RedisWindowStore) Oldest(ctx context.Context, key string) (time.Time, bool, error) {
	z, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if len(z) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(z[0].Score)), true, nil
}

func (s *RedisWindowStore) IsMember(ctx context.Context, set, member string) (bool, error) {
	return s.client.SIsMember(ctx, set, member).Result()
}

func (s *RedisWindowStore) AddMember(ctx context.Context, set, member string) error {
	return s.client.SAdd(ctx, set, member).Err()
}

func (s *RedisWindowStore) RemoveMember(ctx context.Context, set, member string) error {
	return s.client.SRem(ctx, set, member).Err()
}

func (s *RedisWindowStore) Members(ctx context.Context, set string) ([]string, error) {
	return s.client.SMembers(ctx, set).Result()
}

// expiryFor rounds the window up to whole seconds, minimum one.
func expiryFor(window time.Duration) time.Duration {
	secs := (window + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
