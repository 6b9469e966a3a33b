package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/Aidin1998/pincex_marketgw/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLimiter(t *testing.T, store WindowStore, clock *testutil.Clock, opts ...LimiterOption) *SlidingWindowLimiter {
	t.Helper()
	opts = append([]LimiterOption{WithLimiterClock(clock.Now)}, opts...)
	return NewSlidingWindowLimiter(store, zaptest.NewLogger(t), opts...)
}

func TestSlidingWindow_LimitThenReject(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(t, NewMemoryWindowStore(), clock)
	ctx := context.Background()
	key := Key("orderbook", "ip:10.0.0.1")

	for i := 1; i <= 5; i++ {
		res, err := limiter.Check(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(i), res.Count)
		assert.Equal(t, 5-i, res.Remaining)
		clock.Advance(time.Second)
	}

	res, err := limiter.Check(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	// oldest entry arrived 5s ago, so it leaves the window in 55s
	assert.Equal(t, 55*time.Second, res.RetryAfter)
}

func TestSlidingWindow_AllowsAgainAfterWindow(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(t, NewMemoryWindowStore(), clock)
	ctx := context.Background()
	key := Key("ticker", "user:7")

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(ctx, key, 3, 10*time.Second)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.Check(ctx, key, 3, 10*time.Second)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clock.Advance(10 * time.Second)
	res, err = limiter.Check(ctx, key, 3, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestSlidingWindow_RetryAfterFloor(t *testing.T) {
	clock := testutil.NewClock()
	limiter := newTestLimiter(t, NewMemoryWindowStore(), clock)
	ctx := context.Background()

	_, err := limiter.Check(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	clock.Advance(900 * time.Millisecond)

	res, err := limiter.Check(ctx, "k", 1, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)
}

// spyStore records the tokens passed to Record and Remove.
type spyStore struct {
	*MemoryWindowStore
	mu       sync.Mutex
	recorded []string
	removed  []string
}

func (s *spyStore) Record(ctx context.Context, key, token string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	s.recorded = append(s.recorded, token)
	s.mu.Unlock()
	return s.MemoryWindowStore.Record(ctx, key, token, now, window)
}

func (s *spyStore) Remove(ctx context.Context, key, token string) error {
	s.mu.Lock()
	s.removed = append(s.removed, token)
	s.mu.Unlock()
	return s.MemoryWindowStore.Remove(ctx, key, token)
}

func TestSlidingWindow_RejectRemovesInsertedToken(t *testing.T) {
	clock := testutil.NewClock()
	store := &spyStore{MemoryWindowStore: NewMemoryWindowStore()}
	var seq int64
	limiter := newTestLimiter(t, store, clock, WithTokenSource(func() string {
		return fmt.Sprintf("tok-%d", atomic.AddInt64(&seq, 1))
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(ctx, "rate_limit:depth:ip:1", 2, time.Minute)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		res, err := limiter.Check(ctx, "rate_limit:depth:ip:1", 2, time.Minute)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	require.Len(t, store.removed, 5)
	assert.Equal(t, store.recorded[2:], store.removed)
	assert.Equal(t, 2, store.Len("rate_limit:depth:ip:1"), "rejected requests must not leave phantom entries")
}

func TestSlidingWindow_Whitelist(t *testing.T) {
	clock := testutil.NewClock()
	store := NewMemoryWindowStore()
	limiter := newTestLimiter(t, store, clock)
	ctx := context.Background()
	rule := Rule{Route: "orderbook", Limit: 1, Window: time.Minute, Enabled: true}

	require.NoError(t, limiter.AddToWhitelist(ctx, "user:vip"))
	for i := 0; i < 50; i++ {
		res, err := limiter.Allow(ctx, "orderbook", "user:vip", rule)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.True(t, res.Whitelisted)
	}
	assert.Zero(t, store.Len(Key("orderbook", "user:vip")))

	members, err := limiter.Whitelist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:vip"}, members)

	require.NoError(t, limiter.RemoveFromWhitelist(ctx, "user:vip"))
	res, err := limiter.Allow(ctx, "orderbook", "user:vip", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = limiter.Allow(ctx, "orderbook", "user:vip", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestSlidingWindow_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	limiter := NewSlidingWindowLimiter(NewMemoryWindowStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Check(ctx, "shared", 10, time.Minute)
			if err == nil && res.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed)
}

type failingStore struct {
	*MemoryWindowStore
	calls int64
}

func (s *failingStore) Record(context.Context, string, string, time.Time, time.Duration) (int64, error) {
	atomic.AddInt64(&s.calls, 1)
	return 0, errors.New("connection refused")
}

func TestSlidingWindow_StoreBreakerShortCircuits(t *testing.T) {
	cb, err := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "ratelimit-store",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	store := &failingStore{MemoryWindowStore: NewMemoryWindowStore()}
	limiter := NewSlidingWindowLimiter(store, zaptest.NewLogger(t), WithStoreBreaker(cb))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Check(ctx, "k", 10, time.Minute)
		assert.Error(t, err)
	}
	assert.Equal(t, int64(2), atomic.LoadInt64(&store.calls))
	assert.Equal(t, resilience.StateOpen, cb.State())
}

func TestSlidingWindow_InvalidArguments(t *testing.T) {
	limiter := NewSlidingWindowLimiter(NewMemoryWindowStore(), nil)
	_, err := limiter.Check(context.Background(), "k", 0, time.Second)
	assert.Error(t, err)
	_, err = limiter.Check(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestRedisWindowStore(t *testing.T) {
	client := testutil.StartRedis(t)
	store := NewRedisWindowStore(client)
	clock := testutil.NewClock()
	limiter := newTestLimiter(t, store, clock)
	ctx := context.Background()
	key := Key("orderbook", "ip:192.0.2.1")

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		clock.Advance(time.Second)
	}
	res, err := limiter.Check(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 57*time.Second, res.RetryAfter)

	card, err := client.ZCard(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	clock.Advance(time.Minute)
	res, err = limiter.Check(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, limiter.AddToWhitelist(ctx, "ip:192.0.2.1"))
	ok, err := client.SIsMember(ctx, WhitelistKey, "ip:192.0.2.1").Result()
	require.NoError(t, err)
	assert.True(t, ok)
}
