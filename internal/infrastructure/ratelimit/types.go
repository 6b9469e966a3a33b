// types.go: Core types and store interface for rate limiting
package ratelimit

import (
	"context"
	"time"
)

// WhitelistKey is the shared set of identities that bypass limiting.
const WhitelistKey = "rate_limit:whitelist"

// KeyPrefix prefixes every per-caller window key.
const KeyPrefix = "rate_limit"

// Key builds the window key for a route and caller identity.
func Key(route, identity string) string {
	return KeyPrefix + ":" + route + ":" + identity
}

// Result is the outcome of a single Check.
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Whitelisted is set when the identity bypassed the window entirely.
	Whitelisted bool
}

// Rule is a per-route budget.
type Rule struct {
	Route   string        `yaml:"route" json:"route" mapstructure:"route"`
	Limit   int           `yaml:"limit" json:"limit" mapstructure:"limit"`
	Window  time.Duration `yaml:"window" json:"window" mapstructure:"window"`
	Enabled bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

// WindowStore is the sorted-set backend of the sliding window.
type WindowStore interface {
	// Record prunes entries scored at or before now-window, adds token at now,
	// refreshes the key expiry and returns the resulting cardinality. The four
	// steps are applied as one atomic batch.
	Record(ctx context.Context, key, token string, now time.Time, window time.Duration) (int64, error)
	// Remove deletes token from the window at key.
	Remove(ctx context.Context, key, token string) error
	// Oldest returns the arrival time of the oldest entry at key.
	Oldest(ctx context.Context, key string) (time.Time, bool, error)

	IsMember(ctx context.Context, set, member string) (bool, error)
	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	Members(ctx context.Context, set string) ([]string, error)
}
