// Package symbols validates trading pairs against the configured allow-list.
package symbols

import (
	"sort"
	"strings"

	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/agnivade/levenshtein"
)

// DefaultSymbols is the allow-list used when none is configured.
var DefaultSymbols = []string{"BTC_TRY", "ETH_TRY", "USDT_TRY"}

// maxSuggestionDistance bounds how different an input may be and still get a
// "did you mean" hint.
const maxSuggestionDistance = 3

// Registry is an immutable allow-list of public symbols.
type Registry struct {
	allowed map[string]struct{}
	ordered []string
}

// NewRegistry builds a registry from symbols, normalising case.
func NewRegistry(symbols []string) *Registry {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	r := &Registry{allowed: make(map[string]struct{}, len(symbols))}
	for _, s := range symbols {
		s = Normalize(s)
		if s == "" {
			continue
		}
		if _, dup := r.allowed[s]; dup {
			continue
		}
		r.allowed[s] = struct{}{}
		r.ordered = append(r.ordered, s)
	}
	sort.Strings(r.ordered)
	return r
}

// Normalize trims and upper-cases a symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// All returns the allowed symbols in sorted order.
func (r *Registry) All() []string {
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IsAllowed reports membership of an already normalised symbol.
func (r *Registry) IsAllowed(symbol string) bool {
	_, ok := r.allowed[symbol]
	return ok
}

// Validate normalises symbol and returns it, or an InvalidInput error that
// carries the closest allowed symbol when one is near enough.
func (r *Registry) Validate(symbol string) (string, error) {
	s := Normalize(symbol)
	if r.IsAllowed(s) {
		return s, nil
	}
	err := apperrors.InvalidInput("unsupported symbol %q", symbol).
		WithDetail("supported_symbols", r.All())
	if suggestion, ok := r.Suggest(s); ok {
		err = err.WithDetail("suggestion", suggestion)
	}
	return "", err
}

// Suggest returns the allowed symbol with the smallest edit distance to s.
func (r *Registry) Suggest(s string) (string, bool) {
	best, bestDist := "", maxSuggestionDistance+1
	for _, candidate := range r.ordered {
		d := levenshtein.ComputeDistance(s, candidate)
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best, best != ""
}
