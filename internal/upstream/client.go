// Package upstream is the resilient HTTP client for the order matching engine.
//
// Every call runs through a fixed stage pipeline: a per-attempt timeout,
// retry with exponential backoff for transient failures, one circuit breaker
// per dependency, and finally a fallback to the last good payload for the
// same request shape (or a zeroed payload when none exists).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/Aidin1998/pincex_marketgw/pkg/metrics"
	"github.com/Aidin1998/pincex_marketgw/pkg/telemetry"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures the engine client.
type Config struct {
	BaseURL string                   `mapstructure:"base_url"`
	Timeout time.Duration            `mapstructure:"timeout"`
	Retry   resilience.RetryPolicy   `mapstructure:"retry"`
	Breaker resilience.BreakerConfig `mapstructure:"breaker"`
	// FallbackMaxAge bounds how old a fallback payload may be. Zero keeps
	// entries until replaced.
	FallbackMaxAge time.Duration `mapstructure:"fallback_max_age"`
}

// DefaultConfig returns the standard policy: 5s timeout, 3 attempts with
// 1s/2s backoff, breaker at 5 failures with a 30s cooldown.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        5 * time.Second,
		Retry:          resilience.DefaultRetryPolicy(),
		Breaker:        resilience.DefaultBreakerConfig(""),
		FallbackMaxAge: 10 * time.Minute,
	}
}

// Client talks to the matching engine.
type Client struct {
	cfg      Config
	http     *http.Client
	tokens   TokenSource
	breakers map[string]*resilience.CircuitBreaker
	fallback *FallbackCache
	logger   *zap.Logger
}

// NewClient creates the client and registers one breaker per dependency in
// manager. tokens may be nil for unauthenticated engines.
func NewClient(cfg Config, manager *resilience.Manager, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		tokens:   tokens,
		breakers: make(map[string]*resilience.CircuitBreaker, 3),
		fallback: NewFallbackCache(cfg.FallbackMaxAge, nil),
		logger:   logger.With(zap.String("component", "upstream")),
	}

	for _, dep := range []string{DependencyOrderBook, DependencyTicker, DependencyTrades} {
		bc := cfg.Breaker
		bc.Name = "upstream-" + dep
		bc.IsFailure = countsAgainstBreaker
		cb, err := manager.GetOrCreate(bc)
		if err != nil {
			return nil, err
		}
		c.breakers[dep] = cb
	}
	return c, nil
}

// WithHTTPClient replaces the transport, used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Breaker returns the breaker guarding dep.
func (c *Client) Breaker(dep string) *resilience.CircuitBreaker {
	return c.breakers[dep]
}

// GetOrderBook fetches the top depth levels per side.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (Envelope[OrderBook], error) {
	q := url.Values{"depth": {strconv.Itoa(depth)}}
	env, err := fetch(ctx, c, DependencyOrderBook, "/market-data/orderbook/", symbol, q, zeroOrderBook)
	if err == nil {
		env.Data.Symbol = symbol
	}
	return env, err
}

// GetTicker fetches the engine's ticker.
func (c *Client) GetTicker(ctx context.Context, symbol string) (Envelope[Ticker], error) {
	env, err := fetch(ctx, c, DependencyTicker, "/market-data/ticker/", symbol, nil, zeroTicker)
	if err == nil {
		env.Data.Symbol = symbol
	}
	return env, err
}

// GetTrades fetches up to limit recent trades, oldest first.
func (c *Client) GetTrades(ctx context.Context, symbol string, limit int) (Envelope[[]Trade], error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return fetch(ctx, c, DependencyTrades, "/market-data/trades/", symbol, q, zeroTrades)
}

// fallbackKey identifies a request shape: dependency, symbol and parameters.
func fallbackKey(dep, symbol string, q url.Values) string {
	return dep + "|" + symbol + "|" + q.Encode()
}

func fetch[T any](ctx context.Context, c *Client, dep, path, symbol string, q url.Values, zero func(string) T) (Envelope[T], error) {
	key := fallbackKey(dep, symbol, q)

	attempt := func(ctx context.Context) (Envelope[T], error) {
		env, err := doRequest[T](ctx, c, dep, path, symbol, q)
		if err != nil {
			return env, err
		}
		StoreEntry(c.fallback, key, env.Data)
		return env, nil
	}

	fallback := func(_ context.Context, cause error) (Envelope[T], error) {
		if entry, ok := LoadEntry[T](c.fallback, key); ok {
			metrics.UpstreamFallbacks.WithLabelValues(dep, "cache").Inc()
			c.logger.Warn("serving stale upstream payload",
				zap.String("dependency", dep),
				zap.String("symbol", symbol),
				zap.Time("fetched_at", entry.FetchedAt),
				zap.Error(cause))
			return Envelope[T]{
				Success: true,
				Data:    entry.Payload,
				Meta:    Meta{Timestamp: entry.FetchedAt, Stale: true},
			}, nil
		}
		metrics.UpstreamFallbacks.WithLabelValues(dep, "zero").Inc()
		c.logger.Warn("upstream unavailable, serving zeroed payload",
			zap.String("dependency", dep),
			zap.String("symbol", symbol),
			zap.Error(cause))
		return Envelope[T]{
			Success: true,
			Data:    zero(symbol),
			Meta:    Meta{Timestamp: time.Now().UTC(), Stale: true},
		}, nil
	}

	op := resilience.Chain[Envelope[T]](attempt,
		resilience.FallbackStage[Envelope[T]](shouldFallBack, fallback),
		resilience.BreakerStage[Envelope[T]](c.breakers[dep]),
		resilience.RetryStage[Envelope[T]](c.cfg.Retry, c.logger),
		resilience.TimeoutStage[Envelope[T]](c.cfg.Timeout),
	)

	ctx, span := telemetry.Tracer("upstream").Start(ctx, "upstream."+dep,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	env, err := op(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if env.Meta.Stale {
		span.SetAttributes(attribute.Bool("stale", true))
	}
	return env, err
}

func doRequest[T any](ctx context.Context, c *Client, dep, path, symbol string, q url.Values) (Envelope[T], error) {
	var env Envelope[T]

	u := c.cfg.BaseURL + path + url.PathEscape(ToUpstreamSymbol(symbol))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return env, fmt.Errorf("failed to create request: %w", err)
	}
	correlationID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return env, apperrors.UpstreamUnavailable(err, "failed to obtain service token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(dep).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(dep, "transport_error").Inc()
		if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
			return env, err
		}
		return env, apperrors.UpstreamUnavailable(err, "%s request failed", dep)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(dep, "transport_error").Inc()
		return env, apperrors.UpstreamUnavailable(err, "failed to read %s response", dep)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			metrics.UpstreamRequests.WithLabelValues(dep, "not_found").Inc()
			return env, apperrors.NotFound("%s not found for %s: %s", dep, symbol, eb.Message)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			metrics.UpstreamRequests.WithLabelValues(dep, "client_error").Inc()
			return env, apperrors.InvalidInput("%s rejected by engine: %s", dep, eb.Message).
				WithDetail("upstream_status", resp.StatusCode)
		default:
			metrics.UpstreamRequests.WithLabelValues(dep, "server_error").Inc()
			return env, apperrors.UpstreamUnavailable(nil, "engine returned %d for %s: %s", resp.StatusCode, dep, eb.Message)
		}
	}

	if err := json.Unmarshal(body, &env); err != nil {
		metrics.UpstreamRequests.WithLabelValues(dep, "decode_error").Inc()
		return env, apperrors.UpstreamUnavailable(err, "malformed %s response", dep)
	}
	if !env.Success {
		metrics.UpstreamRequests.WithLabelValues(dep, "server_error").Inc()
		return env, apperrors.UpstreamUnavailable(nil, "engine reported failure for %s", dep)
	}
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = correlationID
	}
	if env.Meta.Timestamp.IsZero() {
		env.Meta.Timestamp = time.Now().UTC()
	}
	metrics.UpstreamRequests.WithLabelValues(dep, "success").Inc()
	return env, nil
}

// countsAgainstBreaker excludes caller mistakes and confirmed absence, which
// say nothing about engine health.
func countsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidInput, apperrors.KindNotFound:
		return false
	}
	return true
}

// shouldFallBack is true for failures a stale answer can hide.
func shouldFallBack(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindUpstreamUnavailable, apperrors.KindCircuitOpen:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
