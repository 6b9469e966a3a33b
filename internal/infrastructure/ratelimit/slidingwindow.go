// slidingwindow.go: Sliding window algorithm over a shared sorted-set store
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SlidingWindowLimiter counts requests in the trailing window of each key.
type SlidingWindowLimiter struct {
	store    WindowStore
	breaker  *resilience.CircuitBreaker
	now      func() time.Time
	newToken func() string
	logger   *zap.Logger
}

// LimiterOption customises a limiter.
type LimiterOption func(*SlidingWindowLimiter)

// WithStoreBreaker guards every store round trip with cb.
func WithStoreBreaker(cb *resilience.CircuitBreaker) LimiterOption {
	return func(l *SlidingWindowLimiter) { l.breaker = cb }
}

// WithLimiterClock overrides time.Now.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *SlidingWindowLimiter) { l.now = now }
}

// WithTokenSource overrides the per-request token generator.
func WithTokenSource(gen func() string) LimiterOption {
	return func(l *SlidingWindowLimiter) { l.newToken = gen }
}

// NewSlidingWindowLimiter creates a limiter backed by store.
func NewSlidingWindowLimiter(store WindowStore, logger *zap.Logger, opts ...LimiterOption) *SlidingWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &SlidingWindowLimiter{
		store:    store,
		now:      time.Now,
		newToken: func() string { return uuid.NewString() },
		logger:   logger.With(zap.String("component", "ratelimit")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SlidingWindowLimiter) guard(ctx context.Context, op func(context.Context) error) error {
	if l.breaker == nil {
		return op(ctx)
	}
	return l.breaker.Execute(ctx, op, nil)
}

// Check records one request against key and decides whether it fits in
// limit requests per window. A rejected request leaves no entry behind.
func (l *SlidingWindowLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit < 1 {
		return Result{}, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return Result{}, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}

	now := l.now()
	token := l.newToken()

	var count int64
	err := l.guard(ctx, func(ctx context.Context) error {
		var err error
		count, err = l.store.Record(ctx, key, token, now, window)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: record %s: %w", key, err)
	}

	if count <= int64(limit) {
		return Result{
			Allowed:   true,
			Count:     count,
			Limit:     limit,
			Remaining: limit - int(count),
		}, nil
	}

	// The removal must use the token inserted above; a fresh token would
	// leave a phantom entry counting against the caller.
	if err := l.guard(ctx, func(ctx context.Context) error {
		return l.store.Remove(ctx, key, token)
	}); err != nil {
		l.logger.Warn("failed to remove rejected entry", zap.String("key", key), zap.Error(err))
	}

	retryAfter := window
	oldestErr := l.guard(ctx, func(ctx context.Context) error {
		oldest, ok, err := l.store.Oldest(ctx, key)
		if err == nil && ok {
			retryAfter = oldest.Add(window).Sub(now)
		}
		return err
	})
	if oldestErr != nil {
		l.logger.Debug("oldest entry lookup failed", zap.String("key", key), zap.Error(oldestErr))
	}

	return Result{
		Allowed:    false,
		Count:      count - 1,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: roundRetryAfter(retryAfter),
	}, nil
}

// Allow checks the whitelist for identity and, unless it is a member,
// applies rule to the rate_limit:{route}:{identity} window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, route, identity string, rule Rule) (Result, error) {
	ok, err := l.IsWhitelisted(ctx, identity)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, Whitelisted: true}, nil
	}
	return l.Check(ctx, Key(route, identity), rule.Limit, rule.Window)
}

// IsWhitelisted reports whether identity bypasses limiting.
func (l *SlidingWindowLimiter) IsWhitelisted(ctx context.Context, identity string) (bool, error) {
	var member bool
	err := l.guard(ctx, func(ctx context.Context) error {
		var err error
		member, err = l.store.IsMember(ctx, WhitelistKey, identity)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: whitelist lookup: %w", err)
	}
	return member, nil
}

// AddToWhitelist lets identity bypass limiting.
func (l *SlidingWindowLimiter) AddToWhitelist(ctx context.Context, identity string) error {
	if err := l.store.AddMember(ctx, WhitelistKey, identity); err != nil {
		return err
	}
	l.logger.Info("identity whitelisted", zap.String("identity", identity))
	return nil
}

// RemoveFromWhitelist restores limiting for identity.
func (l *SlidingWindowLimiter) RemoveFromWhitelist(ctx context.Context, identity string) error {
	if err := l.store.RemoveMember(ctx, WhitelistKey, identity); err != nil {
		return err
	}
	l.logger.Info("identity removed from whitelist", zap.String("identity", identity))
	return nil
}

// Whitelist lists every whitelisted identity.
func (l *SlidingWindowLimiter) Whitelist(ctx context.Context) ([]string, error) {
	return l.store.Members(ctx, WhitelistKey)
}

// roundRetryAfter rounds up to whole seconds with a one second floor.
func roundRetryAfter(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
