// Package resilience provides the failure-isolation building blocks used in
// front of the matching engine: a circuit breaker, retry with exponential
// backoff, per-attempt timeouts and composable fallback stages.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/Aidin1998/pincex_marketgw/pkg/metrics"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed - normal operation, requests pass through
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - testing if the dependency has recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *CircuitState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// BreakerConfig is fixed at construction.
type BreakerConfig struct {
	Name             string        `mapstructure:"name" yaml:"name" json:"name"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout" json:"reset_timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window" yaml:"monitoring_window" json:"monitoring_window"`

	// IsFailure decides whether an error counts against the breaker.
	// Nil means every error except caller cancellation counts.
	IsFailure func(error) bool `mapstructure:"-" yaml:"-" json:"-"`
}

// DefaultBreakerConfig returns the settings used for upstream dependencies.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

// Validate checks the configuration bounds.
func (c BreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker %s: failure threshold must be >= 1, got %d", c.Name, c.FailureThreshold)
	}
	if c.ResetTimeout < 0 || c.MonitoringWindow < 0 {
		return fmt.Errorf("breaker %s: timeouts must not be negative", c.Name)
	}
	return nil
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// BreakerMetrics is a point-in-time snapshot of a breaker.
type BreakerMetrics struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
}

// CircuitBreaker is a three-state guard around a fallible operation.
type CircuitBreaker struct {
	cfg       BreakerConfig
	isFailure func(error) bool
	now       func() time.Time
	logger    *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	trialInFlight   bool
}

// Option customises a breaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, used by tests to step through timeouts.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg BreakerConfig, logger *zap.Logger, opts ...Option) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		cfg:       cfg,
		isFailure: cfg.IsFailure,
		now:       time.Now,
		logger:    logger.With(zap.String("breaker", cfg.Name)),
		state:     StateClosed,
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(StateClosed))
	return cb, nil
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs op under breaker protection. While the circuit is open the
// operation is skipped and fallback (if any) receives the CircuitOpen error.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context, error) error) error {
	trial, err := cb.allow()
	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	opErr := op(ctx)
	cb.record(opErr, trial)
	return opErr
}

// Call is the typed form of Execute.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var out T
	var fb func(context.Context, error) error
	if fallback != nil {
		fb = func(ctx context.Context, cause error) error {
			v, err := fallback(ctx, cause)
			out = v
			return err
		}
	}
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	}, fb)
	return out, err
}

// allow decides whether a call may proceed; trial is true for the single
// half-open probe.
func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.now().Before(cb.nextAttemptTime) {
			return false, apperrors.CircuitOpen(cb.cfg.Name)
		}
		cb.transition(StateHalfOpen)
		cb.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return false, apperrors.CircuitOpen(cb.cfg.Name)
		}
		cb.trialInFlight = true
		return true, nil
	default:
		return false, apperrors.CircuitOpen(cb.cfg.Name)
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	} else if cb.state == StateHalfOpen {
		// only the trial decides how a half-open circuit resolves
		return
	}

	if err != nil && !cb.isFailure(err) {
		// neutral outcome: neither proves nor disproves dependency health
		return
	}

	if err == nil {
		if cb.state == StateOpen {
			// late result of a call admitted before the circuit opened
			return
		}
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
			cb.nextAttemptTime = time.Time{}
		}
		return
	}

	now := cb.now()
	if cb.state == StateHalfOpen {
		cb.failureCount++
		cb.lastFailureTime = now
		cb.open(now)
		return
	}

	if cb.cfg.MonitoringWindow > 0 && !cb.lastFailureTime.IsZero() &&
		now.Sub(cb.lastFailureTime) > cb.cfg.MonitoringWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailureTime = now

	if cb.state == StateClosed && cb.failureCount >= cb.cfg.FailureThreshold {
		cb.open(now)
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.nextAttemptTime = now.Add(cb.cfg.ResetTimeout)
	cb.transition(StateOpen)
	cb.logger.Warn("circuit breaker opened",
		zap.Int("failures", cb.failureCount),
		zap.Int("threshold", cb.cfg.FailureThreshold),
		zap.Time("next_attempt", cb.nextAttemptTime))
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(cb.cfg.Name, to.String()).Inc()
	cb.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// Reset forces the circuit closed. Used for operator override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
	cb.trialInFlight = false

	cb.logger.Info("circuit breaker manually reset")
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the failures counted in the current window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Metrics returns a snapshot of the breaker.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerMetrics{
		Name:            cb.cfg.Name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// Manager owns one breaker per logical dependency.
type Manager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	logger   *zap.Logger
	opts     []Option
}

// NewManager creates a new circuit breaker manager
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
		opts:     opts,
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (m *Manager) GetOrCreate(cfg BreakerConfig) (*CircuitBreaker, error) {
	m.mu.RLock()
	if breaker, exists := m.breakers[cfg.Name]; exists {
		m.mu.RUnlock()
		return breaker, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := m.breakers[cfg.Name]; exists {
		return breaker, nil
	}

	breaker, err := NewCircuitBreaker(cfg, m.logger, m.opts...)
	if err != nil {
		return nil, err
	}
	m.breakers[cfg.Name] = breaker

	m.logger.Info("created circuit breaker",
		zap.String("name", cfg.Name),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Duration("reset_timeout", cfg.ResetTimeout))

	return breaker, nil
}

// Get returns a circuit breaker by name
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[name]
	return breaker, exists
}

// Reset resets one breaker by name.
func (m *Manager) Reset(name string) error {
	breaker, ok := m.Get(name)
	if !ok {
		return apperrors.NotFound("circuit breaker %s does not exist", name)
	}
	breaker.Reset()
	return nil
}

// AllMetrics returns metrics for all circuit breakers sorted by name.
func (m *Manager) AllMetrics() []BreakerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BreakerMetrics, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		out = append(out, breaker.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether any breaker is currently refusing calls.
func (m *Manager) AnyOpen() bool {
	for _, bm := range m.AllMetrics() {
		if bm.State == StateOpen {
			return true
		}
	}
	return false
}
