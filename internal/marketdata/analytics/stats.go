package analytics

import (
	"sort"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/upstream"
	"github.com/shopspring/decimal"
)

// StatisticsWindow is the look-back of the rolling statistics.
const StatisticsWindow = 24 * time.Hour

// Statistics is a rolling OHLCV summary. Numeric fields are fixed-point
// strings with 8 decimals.
type Statistics struct {
	Symbol        string    `json:"symbol"`
	Open          string    `json:"open"`
	High          string    `json:"high"`
	Low           string    `json:"low"`
	Close         string    `json:"close"`
	Volume        string    `json:"volume"`
	QuoteVolume   string    `json:"quote_volume"`
	VWAP          string    `json:"vwap"`
	Change        string    `json:"change"`
	ChangePercent string    `json:"change_percent"`
	TradeCount    int       `json:"trade_count"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`

	Stale bool `json:"-"`
}

// Ticker merges the engine's top of book with the rolling statistics.
type Ticker struct {
	Symbol           string    `json:"symbol"`
	LastPrice        string    `json:"last_price"`
	BestBid          string    `json:"best_bid"`
	BestAsk          string    `json:"best_ask"`
	Open24h          string    `json:"open_24h"`
	High24h          string    `json:"high_24h"`
	Low24h           string    `json:"low_24h"`
	Volume24h        string    `json:"volume_24h"`
	QuoteVolume24h   string    `json:"quote_volume_24h"`
	Change24h        string    `json:"change_24h"`
	ChangePercent24h string    `json:"change_percent_24h"`
	Timestamp        time.Time `json:"timestamp"`

	Stale bool `json:"-"`
}

// ReduceTrades summarises the trades executed after now-window. Trades stamped
// ahead of now are kept since the engine clock may lead ours, and unstamped
// trades count as executed at now. The input is not modified. An empty window
// yields every numeric field zeroed.
func ReduceTrades(symbol string, trades []upstream.Trade, now time.Time, window time.Duration) Statistics {
	from := now.Add(-window)
	inWindow := make([]upstream.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		if t.Timestamp.After(from) {
			inWindow = append(inWindow, t)
		}
	}
	sort.SliceStable(inWindow, func(i, j int) bool {
		return inWindow[i].Timestamp.Before(inWindow[j].Timestamp)
	})

	zero := formatAmount(decimal.Zero)
	stats := Statistics{
		Symbol: symbol, From: from, To: now,
		Open: zero, High: zero, Low: zero, Close: zero,
		Volume: zero, QuoteVolume: zero, VWAP: zero,
		Change: zero, ChangePercent: zero,
	}
	if len(inWindow) == 0 {
		return stats
	}

	open := inWindow[0].Price
	closePrice := inWindow[len(inWindow)-1].Price
	high, low := open, open
	volume, quote := decimal.Zero, decimal.Zero
	for _, t := range inWindow {
		high = decimal.Max(high, t.Price)
		low = decimal.Min(low, t.Price)
		volume = volume.Add(t.Amount)
		quote = quote.Add(t.Amount.Mul(t.Price))
	}

	change := closePrice.Sub(open)
	changePct := decimal.Zero
	if open.IsPositive() {
		changePct = change.Div(open).Mul(hundred)
	}
	vwap := decimal.Zero
	if volume.IsPositive() {
		vwap = quote.Div(volume)
	}

	stats.Open = formatAmount(open)
	stats.High = formatAmount(high)
	stats.Low = formatAmount(low)
	stats.Close = formatAmount(closePrice)
	stats.Volume = formatAmount(volume)
	stats.QuoteVolume = formatAmount(quote)
	stats.VWAP = formatAmount(vwap)
	stats.Change = formatAmount(change)
	stats.ChangePercent = formatAmount(changePct)
	stats.TradeCount = len(inWindow)
	return stats
}

// BuildTicker combines an engine ticker with rolling statistics.
func BuildTicker(t upstream.Ticker, stats Statistics, now time.Time) Ticker {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = now
	}
	last := t.LastPrice
	if last.IsZero() && stats.TradeCount > 0 {
		last, _ = decimal.NewFromString(stats.Close)
	}
	return Ticker{
		Symbol:           stats.Symbol,
		LastPrice:        formatAmount(last),
		BestBid:          formatAmount(t.BestBid),
		BestAsk:          formatAmount(t.BestAsk),
		Open24h:          stats.Open,
		High24h:          stats.High,
		Low24h:           stats.Low,
		Volume24h:        stats.Volume,
		QuoteVolume24h:   stats.QuoteVolume,
		Change24h:        stats.Change,
		ChangePercent24h: stats.ChangePercent,
		Timestamp:        ts,
	}
}

// closes extracts trade prices oldest first.
func closes(trades []upstream.Trade) ([]float64, []time.Time) {
	sorted := make([]upstream.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	prices := make([]float64, len(sorted))
	times := make([]time.Time, len(sorted))
	for i, t := range sorted {
		prices[i] = t.Price.InexactFloat64()
		times[i] = t.Timestamp
	}
	return prices, times
}
