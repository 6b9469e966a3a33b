package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_marketgw/api/responses"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthPingTimeout = 2 * time.Second

// Health status values
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status      string                      `json:"status"`
	Redis       string                      `json:"redis"`
	Breakers    []resilience.BreakerMetrics `json:"breakers"`
	Connections int                         `json:"ws_connections"`
	Timestamp   time.Time                   `json:"timestamp"`
}

// healthCheck reports store reachability and breaker states. The gateway
// keeps serving fallbacks while degraded, so the status code stays 200.
func (s *Server) healthCheck(c *gin.Context) {
	report := HealthReport{
		Status:    StatusOK,
		Redis:     StatusOK,
		Breakers:  []resilience.BreakerMetrics{},
		Timestamp: time.Now().UTC(),
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check: redis unreachable", zap.Error(err))
			report.Redis = "unavailable"
			report.Status = StatusDegraded
		}
	}
	if s.breakers != nil {
		report.Breakers = s.breakers.AllMetrics()
		if s.breakers.AnyOpen() {
			report.Status = StatusDegraded
		}
	}
	if s.stream != nil {
		report.Connections = s.stream.Connections()
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) listBreakers(c *gin.Context) {
	responses.Success(c, s.breakers.AllMetrics())
}

// resetBreaker forces the named breaker closed.
func (s *Server) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := s.breakers.Reset(name); err != nil {
		responses.Fail(c, err)
		return
	}
	s.logger.Info("circuit breaker reset by operator", zap.String("breaker", name))

	bc, _ := s.breakers.Get(name)
	responses.Success(c, bc.Metrics())
}

func (s *Server) listWhitelist(c *gin.Context) {
	members, err := s.whitelist.Whitelist(c.Request.Context())
	if err != nil {
		responses.Fail(c, storeError(err))
		return
	}
	responses.Success(c, gin.H{"identities": members})
}

func (s *Server) addWhitelist(c *gin.Context) {
	s.changeWhitelist(c, s.whitelist.AddToWhitelist, true)
}

func (s *Server) removeWhitelist(c *gin.Context) {
	s.changeWhitelist(c, s.whitelist.RemoveFromWhitelist, false)
}

func (s *Server) changeWhitelist(c *gin.Context, op func(context.Context, string) error, whitelisted bool) {
	identity := strings.TrimSpace(c.Param("identity"))
	if identity == "" {
		responses.BadRequest(c, "identity is required")
		return
	}
	if err := op(c.Request.Context(), identity); err != nil {
		responses.Fail(c, storeError(err))
		return
	}
	responses.Success(c, gin.H{"identity": identity, "whitelisted": whitelisted})
}

// storeError surfaces raw store failures as an unavailable dependency.
func storeError(err error) error {
	if apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	return apperrors.UpstreamUnavailable(err, "rate limit store unavailable")
}
