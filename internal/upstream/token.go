package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token sent to the matching engine.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// JWTTokenSource mints short-lived HS256 service tokens and reuses each one
// until it is close to expiry.
type JWTTokenSource struct {
	secret  []byte
	issuer  string
	subject string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	current string
	expires time.Time
}

// NewJWTTokenSource creates a token source. ttl below one minute is raised to one minute.
func NewJWTTokenSource(secret, issuer, subject string, ttl time.Duration) *JWTTokenSource {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &JWTTokenSource{
		secret:  []byte(secret),
		issuer:  issuer,
		subject: subject,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *JWTTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.current != "" && now.Add(30*time.Second).Before(s.expires) {
		return s.current, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	s.current, s.expires = signed, expires
	return signed, nil
}
