package api

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/Aidin1998/pincex_marketgw/api/responses"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/ratelimit"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// requestID propagates the caller's request id or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(responses.RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// identityMiddleware resolves the caller's user id from an optional bearer
// token. Market data is public, so a missing or unverifiable token leaves the
// request anonymous instead of rejecting it.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	secret := []byte(s.opts.JWTSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		raw, ok := bearerToken(c)
		if !ok {
			c.Next()
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			s.logger.Debug("ignoring invalid bearer token", zap.Error(err))
			c.Next()
			return
		}
		if userID := claimString(claims[s.opts.UserIDClaim]); userID != "" {
			c.Set(ratelimit.UserIDKey, userID)
		}
		c.Next()
	}
}

func claimString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	default:
		return ""
	}
}

// adminAuthMiddleware requires the configured admin bearer token.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	expected := []byte(s.opts.AdminToken)
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			responses.Fail(c, apperrors.Unauthorized("authorization header required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			s.logger.Warn("rejected admin request", zap.String("client_ip", c.ClientIP()))
			responses.Fail(c, apperrors.Unauthorized("invalid admin token"))
			return
		}
		c.Next()
	}
}
