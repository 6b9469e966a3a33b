package symbols

import (
	"errors"
	"testing"

	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry(nil)

	s, err := r.Validate("  btc_try ")
	require.NoError(t, err)
	assert.Equal(t, "BTC_TRY", s)

	_, err = r.Validate("DOGE_TRY")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestRegistry_Suggestion(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Validate("BTC-TRY")
	var e *apperrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "BTC_TRY", e.Details["suggestion"])
	assert.Equal(t, []string{"BTC_TRY", "ETH_TRY", "USDT_TRY"}, e.Details["supported_symbols"])

	_, ok := r.Suggest("COMPLETELY_DIFFERENT")
	assert.False(t, ok)
}

func TestRegistry_DeduplicatesAndSorts(t *testing.T) {
	r := NewRegistry([]string{"eth_try", "BTC_TRY", "ETH_TRY", ""})
	assert.Equal(t, []string{"BTC_TRY", "ETH_TRY"}, r.All())
	assert.False(t, r.IsAllowed("USDT_TRY"))
}
