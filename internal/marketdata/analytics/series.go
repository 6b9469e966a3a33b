package analytics

import (
	"context"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/cache"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
)

// IndicatorType names a supported technical indicator.
type IndicatorType string

const (
	IndicatorSMA  IndicatorType = "sma"
	IndicatorEMA  IndicatorType = "ema"
	IndicatorRSI  IndicatorType = "rsi"
	IndicatorMACD IndicatorType = "macd"
)

// ParseIndicatorType accepts sma, ema, rsi and macd in any case.
func ParseIndicatorType(s string) (IndicatorType, error) {
	switch t := IndicatorType(strings.ToLower(strings.TrimSpace(s))); t {
	case IndicatorSMA, IndicatorEMA, IndicatorRSI, IndicatorMACD:
		return t, nil
	default:
		return "", apperrors.InvalidInput("unsupported indicator type %q", s).
			WithDetail("supported_types", []string{"sma", "ema", "rsi", "macd"})
	}
}

// DefaultPeriod is used when the request names no period.
func (t IndicatorType) DefaultPeriod() int {
	switch t {
	case IndicatorRSI:
		return 14
	case IndicatorMACD:
		return DefaultMACDFast
	default:
		return 20
	}
}

// IndicatorPoint is one timestamped indicator value.
type IndicatorPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// IndicatorSeries is the public indicator response. Signal and Histogram are
// only set for MACD.
type IndicatorSeries struct {
	Symbol      string           `json:"symbol"`
	Type        IndicatorType    `json:"type"`
	Period      int              `json:"period"`
	Params      map[string]int   `json:"params,omitempty"`
	Values      []IndicatorPoint `json:"values"`
	Signal      []IndicatorPoint `json:"signal,omitempty"`
	Histogram   []IndicatorPoint `json:"histogram,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`

	Stale bool `json:"-"`
}

// Indicator computes indicator t over the recent trade prices of symbol.
// MACD always uses 12/26/9 and ignores period.
func (e *Engine) Indicator(ctx context.Context, symbol string, t IndicatorType, period int) (IndicatorSeries, error) {
	symbol, err := e.symbols.Validate(symbol)
	if err != nil {
		return IndicatorSeries{}, err
	}
	if _, err := ParseIndicatorType(string(t)); err != nil {
		return IndicatorSeries{}, err
	}

	var key string
	if t == IndicatorMACD {
		period = DefaultMACDFast
		key = cache.IndicatorKey(string(t), symbol, DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal)
	} else {
		if period == 0 {
			period = t.DefaultPeriod()
		}
		if period < 1 || period > e.cfg.MaxPeriod {
			return IndicatorSeries{}, apperrors.InvalidInput("period must be between 1 and %d, got %d", e.cfg.MaxPeriod, period)
		}
		key = cache.IndicatorKey(string(t), symbol, period)
	}

	series, stale, err := load(ctx, e, "indicators", key, e.cfg.IndicatorTTL,
		func(ctx context.Context) (IndicatorSeries, bool, error) {
			env, err := e.up.GetTrades(ctx, symbol, e.cfg.TradeHistoryLimit)
			if err != nil {
				return IndicatorSeries{}, false, err
			}
			if env.Meta.Stale && len(env.Data) == 0 {
				// engine unreachable and nothing to fall back on
				return IndicatorSeries{
					Symbol:      symbol,
					Type:        t,
					Period:      period,
					Values:      []IndicatorPoint{},
					GeneratedAt: e.now(),
				}, true, nil
			}
			prices, times := closes(env.Data)
			s, err := computeSeries(t, period, prices, times)
			if err != nil {
				return IndicatorSeries{}, false, err
			}
			s.Symbol = symbol
			s.GeneratedAt = e.now()
			return s, env.Meta.Stale, nil
		})
	series.Stale = stale
	return series, err
}

func computeSeries(t IndicatorType, period int, prices []float64, times []time.Time) (IndicatorSeries, error) {
	s := IndicatorSeries{Type: t, Period: period}
	switch t {
	case IndicatorSMA:
		v, err := SMA(prices, period)
		if err != nil {
			return s, err
		}
		s.Values = points(v, times[period-1:])
	case IndicatorEMA:
		v, err := EMA(prices, period)
		if err != nil {
			return s, err
		}
		s.Values = points(v, times[period-1:])
	case IndicatorRSI:
		v, err := RSI(prices, period)
		if err != nil {
			return s, err
		}
		s.Values = points(v, times[period:])
	case IndicatorMACD:
		res, err := MACD(prices, DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal)
		if err != nil {
			return s, err
		}
		aligned := times[MACDMinLength(DefaultMACDSlow, DefaultMACDSignal)-1:]
		s.Params = map[string]int{"fast": DefaultMACDFast, "slow": DefaultMACDSlow, "signal": DefaultMACDSignal}
		s.Values = points(res.MACD, aligned)
		s.Signal = points(res.Signal, aligned)
		s.Histogram = points(res.Histogram, aligned)
	}
	return s, nil
}

func points(values []float64, times []time.Time) []IndicatorPoint {
	out := make([]IndicatorPoint, len(values))
	for i, v := range values {
		out[i] = IndicatorPoint{Timestamp: times[i], Value: v}
	}
	return out
}
