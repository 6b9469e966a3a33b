package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_marketgw/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tickerFixture struct {
	Symbol string `json:"symbol"`
	Last   string `json:"last"`
}

func TestGetOrCompute_CachesUntilTTL(t *testing.T) {
	clock := testutil.NewClock()
	c := New(NewMemoryStore(clock.Now), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (tickerFixture, bool, error) {
		calls++
		return tickerFixture{Symbol: "BTC_TRY", Last: "50000.00000000"}, false, nil
	}

	for i := 0; i < 3; i++ {
		v, stale, err := GetOrCompute(ctx, c, "ticker", TickerKey("BTC_TRY"), 10*time.Second, compute)
		require.NoError(t, err)
		assert.False(t, stale)
		assert.Equal(t, "50000.00000000", v.Last)
	}
	assert.Equal(t, 1, calls)

	clock.Advance(10 * time.Second)
	_, _, err := GetOrCompute(ctx, c, "ticker", TickerKey("BTC_TRY"), 10*time.Second, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := New(NewMemoryStore(nil), nil, zaptest.NewLogger(t))
	ctx := context.Background()
	boom := errors.New("insufficient")

	calls := 0
	_, _, err := GetOrCompute(ctx, c, "indicators", "k", time.Minute, func(context.Context) (int, bool, error) {
		calls++
		return 0, false, boom
	})
	assert.ErrorIs(t, err, boom)

	v, _, err := GetOrCompute(ctx, c, "indicators", "k", time.Minute, func(context.Context) (int, bool, error) {
		calls++
		return 5, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_StaleResultsAreNotCached(t *testing.T) {
	c := New(NewMemoryStore(nil), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (string, bool, error) {
		calls++
		return "last-good", calls == 1, nil
	}

	v, stale, err := GetOrCompute(ctx, c, "ticker", TickerKey("BTC_TRY"), time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "last-good", v)

	_, stale, err = GetOrCompute(ctx, c, "ticker", TickerKey("BTC_TRY"), time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 2, calls)

	_, _, err = GetOrCompute(ctx, c, "ticker", TickerKey("BTC_TRY"), time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("read tcp: connection reset")
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("read tcp: connection reset")
}

func TestCache_StoreFailuresAreSwallowed(t *testing.T) {
	c := New(brokenStore{NewMemoryStore(nil)}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	v, _, err := GetOrCompute(ctx, c, "ticker", "ticker:ETH_TRY", time.Second, func(context.Context) (string, bool, error) {
		return "fresh", false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "orderbook:BTC_TRY:20", OrderBookKey("BTC_TRY", 20))
	assert.Equal(t, "orderbook:depth-chart:BTC_TRY", DepthChartKey("BTC_TRY"))
	assert.Equal(t, "ticker:ETH_TRY", TickerKey("ETH_TRY"))
	assert.Equal(t, "statistics:24h:USDT_TRY", Statistics24hKey("USDT_TRY"))
	assert.Equal(t, "indicators:rsi:BTC_TRY:14", IndicatorKey("rsi", "BTC_TRY", 14))
	assert.Equal(t, "indicators:macd:BTC_TRY:12:26:9", IndicatorKey("macd", "BTC_TRY", 12, 26, 9))
	assert.Equal(t, "user:order:prices:u-1", UserOrderPricesKey("u-1"))
}

func TestRedisStore(t *testing.T) {
	client := testutil.StartRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "ticker:BTC_TRY")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "ticker:BTC_TRY", []byte(`{"last":"1"}`), 5*time.Second))
	data, found, err := store.Get(ctx, "ticker:BTC_TRY")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"last":"1"}`, string(data))

	ttl, err := client.TTL(ctx, "ticker:BTC_TRY").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 5*time.Second)

	require.NoError(t, store.HSet(ctx, UserOrderPricesKey("7"), "BTC_TRY", `["50000"]`))
	v, ok, err := store.HGet(ctx, UserOrderPricesKey("7"), "BTC_TRY")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `["50000"]`, v)

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.NoError(t, store.Ping(ctx))
}
