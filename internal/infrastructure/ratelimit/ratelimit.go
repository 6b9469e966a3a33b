// Package ratelimit provides distributed sliding-window rate limiting for the
// market data gateway.
//
// Each caller identity gets one sorted-set window per route in the shared
// store. The gin middleware picks the route rule, checks the whitelist and the
// window, and writes X-RateLimit headers on every response.
package ratelimit

import (
	"strconv"

	"github.com/Aidin1998/pincex_marketgw/api/responses"
	"github.com/Aidin1998/pincex_marketgw/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware applies route rules through a SlidingWindowLimiter.
type Middleware struct {
	limiter *SlidingWindowLimiter
	rules   *RuleSet
	logger  *zap.Logger
}

// NewMiddleware creates the HTTP middleware.
func NewMiddleware(limiter *SlidingWindowLimiter, rules *RuleSet, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{limiter: limiter, rules: rules, logger: logger}
}

// Handler limits requests for the named route.
func (m *Middleware) Handler(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rule := m.rules.Rule(route)
		if !rule.Enabled || ShouldBypass(c) {
			c.Next()
			return
		}

		identity := Identity(c)
		res, err := m.limiter.Allow(c.Request.Context(), route, identity, rule)
		if err != nil {
			// the store is an optimisation for fairness, not a gate on market data
			m.logger.Warn("rate limit check failed, allowing request",
				zap.String("route", route),
				zap.String("identity", identity),
				zap.Error(err))
			metrics.RateLimitDecisions.WithLabelValues(route, "error").Inc()
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		switch {
		case res.Whitelisted:
			metrics.RateLimitDecisions.WithLabelValues(route, "whitelisted").Inc()
		case res.Allowed:
			metrics.RateLimitDecisions.WithLabelValues(route, "allowed").Inc()
		default:
			metrics.RateLimitDecisions.WithLabelValues(route, "rejected").Inc()
			m.logger.Debug("rate limit exceeded",
				zap.String("route", route),
				zap.String("identity", identity),
				zap.Duration("retry_after", res.RetryAfter))
			responses.TooManyRequests(c, res.RetryAfter)
			return
		}
		c.Next()
	}
}
