package resilience

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy controls RetryStage.
type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`

	// Retryable reports whether err is transient. Nil uses IsRetryable.
	Retryable func(error) bool `mapstructure:"-" yaml:"-"`
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(context.Context, time.Duration) error `mapstructure:"-" yaml:"-"`
}

// DefaultRetryPolicy is 3 attempts with 1s, 2s waits in between.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     8 * time.Second,
	}
}

// IsRetryable treats upstream unavailability and per-attempt deadlines as
// transient. Caller mistakes and not-found answers are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, apperrors.ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, apperrors.ErrUpstreamUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return b
}

// Retry runs op until it succeeds, fails permanently or the attempt budget is
// spent. The last error is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, logger *zap.Logger, op Operation[T]) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := p.newBackOff()
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = op(ctx)
		if err == nil || !retryable(err) || attempt == attempts {
			return out, err
		}
		if ctx.Err() != nil {
			return out, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return out, err
		}
		logger.Debug("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if serr := sleep(ctx, wait); serr != nil {
			return out, err
		}
	}
	return out, err
}
