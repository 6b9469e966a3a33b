// Package cache wraps the shared TTL store used for derived market data.
//
// Cache reads that fail are treated as misses and cache writes that fail are
// logged and dropped: the cache is an optimisation, never a source of errors.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/Aidin1998/pincex_marketgw/pkg/metrics"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Store is the external key-value store with TTLs and hashes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	Ping(ctx context.Context) error
}

// Stats are cumulative store counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// Cache is a JSON-coding view over a Store guarded by a breaker.
type Cache struct {
	store   Store
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// New creates a cache. breaker may be nil.
func New(store Store, breaker *resilience.CircuitBreaker, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:   store,
		breaker: breaker,
		logger:  logger.With(zap.String("component", "cache")),
	}
}

// Store exposes the underlying store.
func (c *Cache) Store() Store { return c.store }

func (c *Cache) guard(ctx context.Context, op func(context.Context) error) error {
	if c.breaker == nil {
		return op(ctx)
	}
	return c.breaker.Execute(ctx, op, nil)
}

// Get decodes the value at key into out. Errors count as misses.
func (c *Cache) Get(ctx context.Context, namespace, key string, out interface{}) bool {
	var (
		data  []byte
		found bool
	)
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		data, found, err = c.store.Get(ctx, key)
		return err
	})
	if err != nil {
		c.logger.Debug("cache read failed", zap.String("key", key), zap.Error(err))
		metrics.CacheLookups.WithLabelValues(namespace, "error").Inc()
		return false
	}
	if !found {
		metrics.CacheLookups.WithLabelValues(namespace, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		metrics.CacheLookups.WithLabelValues(namespace, "error").Inc()
		return false
	}
	metrics.CacheLookups.WithLabelValues(namespace, "hit").Inc()
	return true
}

// Set encodes v at key with ttl. Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.guard(ctx, func(ctx context.Context) error {
		return c.store.Set(ctx, key, data, ttl)
	}); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// HGet reads a hash field, returning "" on miss or error.
func (c *Cache) HGet(ctx context.Context, key, field string) string {
	var v string
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		v, _, err = c.store.HGet(ctx, key, field)
		return err
	})
	if err != nil {
		c.logger.Debug("cache hash read failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return v
}

// Ping checks the store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// GetOrCompute returns the cached value at key or computes, stores and
// returns a fresh one. Compute errors are returned and never cached, and
// neither are results compute reports as stale.
func GetOrCompute[T any](ctx context.Context, c *Cache, namespace, key string, ttl time.Duration, compute func(context.Context) (T, bool, error)) (T, bool, error) {
	var cached T
	if c.Get(ctx, namespace, key, &cached) {
		return cached, false, nil
	}
	v, stale, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if !stale {
		c.Set(ctx, key, v, ttl)
	}
	return v, stale, nil
}

// Key builders for the shared store layout.

func OrderBookKey(symbol string, depth int) string {
	return fmt.Sprintf("orderbook:%s:%d", symbol, depth)
}

func DepthChartKey(symbol string) string {
	return "orderbook:depth-chart:" + symbol
}

func TickerKey(symbol string) string {
	return "ticker:" + symbol
}

func Statistics24hKey(symbol string) string {
	return "statistics:24h:" + symbol
}

// IndicatorKey includes any extra parameters (MACD fast/slow/signal) after the period.
func IndicatorKey(indicator, symbol string, period int, extra ...int) string {
	key := fmt.Sprintf("indicators:%s:%s:%d", indicator, symbol, period)
	for _, p := range extra {
		key += fmt.Sprintf(":%d", p)
	}
	return key
}

func UserOrderPricesKey(userID string) string {
	return "user:order:prices:" + userID
}
