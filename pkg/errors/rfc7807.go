package errors

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
)

// Problem type URIs
const (
	TypeValidationError     = "https://api.pincex.io/problems/validation-error"
	TypeNotFound            = "https://api.pincex.io/problems/not-found"
	TypeRateLimit           = "https://api.pincex.io/problems/rate-limit"
	TypeInsufficientData    = "https://api.pincex.io/problems/insufficient-data"
	TypeUpstreamUnavailable = "https://api.pincex.io/problems/upstream-unavailable"
	TypeUnauthorized        = "https://api.pincex.io/problems/unauthorized"
	TypeInternalError       = "https://api.pincex.io/problems/internal-error"
)

// Problem titles
const (
	TitleValidationError     = "Validation Error"
	TitleNotFound            = "Not Found"
	TitleRateLimit           = "Rate Limit Exceeded"
	TitleInsufficientData    = "Insufficient Data"
	TitleUpstreamUnavailable = "Upstream Unavailable"
	TitleUnauthorized        = "Unauthorized"
	TitleInternalError       = "Internal Server Error"
)

// ProblemDetails represents an RFC 7807 Problem Details object
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 5+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	return json.Marshal(result)
}

// ProblemFor converts any error into problem details. Foreign errors are
// reported as internal without exposing their text.
func ProblemFor(err error, instance string) *ProblemDetails {
	var e *Error
	if !errors.As(err, &e) {
		return &ProblemDetails{
			Type:     TypeInternalError,
			Title:    TitleInternalError,
			Status:   http.StatusInternalServerError,
			Detail:   "An unexpected error occurred",
			Instance: instance,
		}
	}

	p := &ProblemDetails{
		Status:   HTTPStatus(e.Kind),
		Detail:   e.Message,
		Instance: instance,
	}
	switch e.Kind {
	case KindInvalidInput:
		p.Type, p.Title = TypeValidationError, TitleValidationError
	case KindInsufficientData:
		p.Type, p.Title = TypeInsufficientData, TitleInsufficientData
	case KindNotFound:
		p.Type, p.Title = TypeNotFound, TitleNotFound
	case KindRateLimited:
		p.Type, p.Title = TypeRateLimit, TitleRateLimit
		p.WithExtra("retry_after", int(e.RetryAfter.Seconds()))
	case KindUpstreamUnavailable, KindCircuitOpen:
		p.Type, p.Title = TypeUpstreamUnavailable, TitleUpstreamUnavailable
	case KindUnauthorized:
		p.Type, p.Title = TypeUnauthorized, TitleUnauthorized
	default:
		p.Type, p.Title = TypeInternalError, TitleInternalError
	}
	for k, v := range e.Details {
		p.WithExtra(k, v)
	}
	return p
}
