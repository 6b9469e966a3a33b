// Package errors defines the gateway error taxonomy and its RFC 7807 rendering.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a failure by how the gateway reacts to it.
type Kind string

const (
	KindInvalidInput        Kind = "InvalidInput"
	KindNotFound            Kind = "NotFound"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindInsufficientData    Kind = "InsufficientData"
	KindRateLimited         Kind = "RateLimited"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindUnauthorized        Kind = "Unauthorized"
	KindInternal            Kind = "Internal"
)

// Error is the typed error passed between gateway layers.
type Error struct {
	// Kind is the taxonomy bucket
	Kind Kind `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Details carries structured context (required counts, suggestions, breaker names)
	Details map[string]interface{} `json:"details,omitempty"`
	// RetryAfter is set for RateLimited errors
	RetryAfter time.Duration `json:"-"`

	cause error
}

var _ error = (*Error)(nil)

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap sets the error cause
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// WithDetail returns a copy of the error with one more detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	err.Details[key] = value
	return &err
}

// Is matches on kind so callers can test against the sentinel values below.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrInsufficientData    = &Error{Kind: KindInsufficientData}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrCircuitOpen         = &Error{Kind: KindCircuitOpen}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
)

// InvalidInput reports a caller mistake. Never retried or cached.
func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, format, args...)
}

// NotFound reports that the upstream confirmed absence.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// UpstreamUnavailable reports network failures, timeouts and 5xx responses.
func UpstreamUnavailable(cause error, format string, args ...any) *Error {
	return New(KindUpstreamUnavailable, format, args...).Wrap(cause)
}

// InsufficientData reports that an indicator needs more history than is available.
func InsufficientData(required, got int) *Error {
	return New(KindInsufficientData, "need at least %d data points, got %d", required, got).
		WithDetail("required", required).
		WithDetail("available", got)
}

// RateLimited reports a limiter rejection with its retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	e := New(KindRateLimited, "rate limit exceeded, retry after %ds", int(retryAfter.Seconds()))
	e.RetryAfter = retryAfter
	return e
}

// CircuitOpen reports that the named breaker refused the call.
func CircuitOpen(name string) *Error {
	return New(KindCircuitOpen, "circuit breaker %s is open", name).WithDetail("breaker", name)
}

// Unauthorized reports missing or bad credentials on a protected route.
func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

// KindOf returns the taxonomy kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind onto the public status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindInsufficientData:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable, KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
