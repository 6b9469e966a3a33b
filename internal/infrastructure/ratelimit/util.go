// util.go: Helpers for caller identity and bypass decisions
package ratelimit

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key under which authentication middleware
// stores the caller's user id.
const UserIDKey = "user_id"

// Identity returns the limiter identity for a request: the authenticated user
// when known, otherwise the client IP.
func Identity(c *gin.Context) string {
	if userID := c.GetString(UserIDKey); userID != "" {
		return "user:" + userID
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "anonymous"
}

// IsHealthCheckRequest determines if a request is a health check
func IsHealthCheckRequest(c *gin.Context) bool {
	path := strings.ToLower(c.Request.URL.Path)
	switch path {
	case "/health", "/healthz", "/metrics":
		return true
	}
	return strings.HasPrefix(strings.ToLower(c.Request.UserAgent()), "kube-probe")
}

// ShouldBypass determines if a request should bypass rate limiting
func ShouldBypass(c *gin.Context) bool {
	return IsHealthCheckRequest(c)
}
