package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func recordingPolicy(waits *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return p
}

func TestRetry_ExponentialWaits(t *testing.T) {
	var waits []time.Duration
	calls := 0
	_, err := Retry(context.Background(), recordingPolicy(&waits), zaptest.NewLogger(t), func(context.Context) (int, error) {
		calls++
		return 0, apperrors.UpstreamUnavailable(nil, "engine returned 502")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestRetry_PermanentErrorsFailFast(t *testing.T) {
	var waits []time.Duration
	for _, perm := range []error{
		apperrors.InvalidInput("bad symbol"),
		apperrors.NotFound("no such market"),
		apperrors.CircuitOpen("orderbook"),
		context.Canceled,
	} {
		calls := 0
		_, err := Retry(context.Background(), recordingPolicy(&waits), nil, func(context.Context) (string, error) {
			calls++
			return "", perm
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls)
	}
	assert.Empty(t, waits)
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	var waits []time.Duration
	calls := 0
	v, err := Retry(context.Background(), recordingPolicy(&waits), nil, func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, context.DeadlineExceeded
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Len(t, waits, 1)
}

func TestTimeoutStage(t *testing.T) {
	op := Chain(func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, TimeoutStage[int](20*time.Millisecond))

	start := time.Now()
	_, err := op(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChain_BreakerCountsRetriedCallOnce(t *testing.T) {
	cb, err := NewCircuitBreaker(BreakerConfig{Name: "chain", FailureThreshold: 2, ResetTimeout: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var waits []time.Duration
	attempts := 0
	var fellBack []error
	op := Chain(
		func(context.Context) (string, error) {
			attempts++
			return "", apperrors.UpstreamUnavailable(nil, "connection refused")
		},
		FallbackStage[string](func(error) bool { return true }, func(_ context.Context, cause error) (string, error) {
			fellBack = append(fellBack, cause)
			return "stale", nil
		}),
		BreakerStage[string](cb),
		RetryStage[string](recordingPolicy(&waits), nil),
		TimeoutStage[string](time.Second),
	)

	v, err := op(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stale", v)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, cb.FailureCount())

	_, _ = op(context.Background())
	assert.Equal(t, StateOpen, cb.State())

	attempts = 0
	v, err = op(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stale", v)
	assert.Zero(t, attempts, "open breaker must short-circuit the retry stage")
	require.Len(t, fellBack, 3)
	assert.True(t, errors.Is(fellBack[2], apperrors.ErrCircuitOpen))
}

func TestFallbackStage_PassesThroughUnmatched(t *testing.T) {
	op := Chain(func(context.Context) (int, error) {
		return 0, apperrors.NotFound("gone")
	}, FallbackStage[int](func(err error) bool {
		return !errors.Is(err, apperrors.ErrNotFound)
	}, func(context.Context, error) (int, error) {
		return 7, nil
	}))

	_, err := op(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
