package responses

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/gin-gonic/gin"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// StaleKey is set on the gin context when the payload came from a fallback.
const StaleKey = "stale"

// Meta accompanies every response body
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
}

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   *errors.ProblemDetails `json:"error,omitempty"`
	Meta    Meta                   `json:"meta"`
}

func metaFor(c *gin.Context) Meta {
	return Meta{
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(c),
		Stale:     c.GetBool(StaleKey),
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data:    data,
		Meta:    metaFor(c),
	})
}

// MarkStale flags the response being built as served from a fallback.
func MarkStale(c *gin.Context, stale bool) {
	if stale {
		c.Set(StaleKey, true)
	}
}

// Fail renders err as an RFC 7807 problem inside the envelope and aborts
// the handler chain.
func Fail(c *gin.Context, err error) {
	problem := errors.ProblemFor(err, c.Request.URL.Path)

	var e *errors.Error
	if errors.As(err, &e) && e.Kind == errors.KindRateLimited {
		secs := int(e.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	c.AbortWithStatusJSON(problem.Status, StandardResponse{
		Success: false,
		Error:   problem,
		Meta:    metaFor(c),
	})
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, detail string) {
	Fail(c, errors.InvalidInput("%s", detail))
}

// NotFound sends a 404 Not Found response
func NotFound(c *gin.Context, detail string) {
	Fail(c, errors.NotFound("%s", detail))
}

// TooManyRequests sends a 429 Too Many Requests response
func TooManyRequests(c *gin.Context, retryAfter time.Duration) {
	Fail(c, errors.RateLimited(retryAfter))
}

// getRequestID extracts the request id from context
func getRequestID(c *gin.Context) string {
	if id := c.GetString(RequestIDKey); id != "" {
		return id
	}
	return c.GetHeader("X-Request-ID")
}
