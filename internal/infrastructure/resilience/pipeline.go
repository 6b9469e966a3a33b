package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Operation is a single fallible call.
type Operation[T any] func(ctx context.Context) (T, error)

// Stage decorates an operation with one resilience concern.
type Stage[T any] func(next Operation[T]) Operation[T]

// Chain wraps op so that stages[0] is the outermost layer. A typical upstream
// chain is Chain(op, FallbackStage, BreakerStage, RetryStage, TimeoutStage),
// which runs timeout inside retry inside the breaker.
func Chain[T any](op Operation[T], stages ...Stage[T]) Operation[T] {
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] != nil {
			op = stages[i](op)
		}
	}
	return op
}

// TimeoutStage bounds every invocation of the wrapped operation.
func TimeoutStage[T any](d time.Duration) Stage[T] {
	return func(next Operation[T]) Operation[T] {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context) (T, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx)
		}
	}
}

// RetryStage re-invokes the wrapped operation on transient failures.
func RetryStage[T any](p RetryPolicy, logger *zap.Logger) Stage[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			return Retry(ctx, p, logger, next)
		}
	}
}

// BreakerStage routes the wrapped operation through cb. Open circuits
// surface as CircuitOpen errors for an outer fallback stage to handle.
func BreakerStage[T any](cb *CircuitBreaker) Stage[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			return Call(ctx, cb, func(ctx context.Context) (T, error) { return next(ctx) }, nil)
		}
	}
}

// FallbackStage substitutes fallback's answer when shouldFallback(err) holds.
func FallbackStage[T any](shouldFallback func(error) bool, fallback func(context.Context, error) (T, error)) Stage[T] {
	return func(next Operation[T]) Operation[T] {
		return func(ctx context.Context) (T, error) {
			out, err := next(ctx)
			if err == nil || !shouldFallback(err) {
				return out, err
			}
			return fallback(ctx, err)
		}
	}
}
