package upstream

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Dependency names, one breaker each.
const (
	DependencyOrderBook = "orderbook"
	DependencyTicker    = "ticker"
	DependencyTrades    = "trades"
)

// Meta accompanies every upstream payload.
type Meta struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// Stale is set when the payload came from the fallback path.
	Stale bool `json:"stale,omitempty"`
}

// Envelope is the {success, data, meta} shape used by the matching engine.
type Envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Meta    Meta `json:"meta"`
}

// errorBody is what non-2xx engine responses carry.
type errorBody struct {
	Message string `json:"message"`
}

// Level is one price level of a book side.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook is a depth-limited snapshot, bids descending and asks ascending.
type OrderBook struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// Ticker is the engine's top-of-book and last-trade summary.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade is a single execution.
type Trade struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToUpstreamSymbol converts BTC_TRY to the engine's BTC/TRY form.
func ToUpstreamSymbol(symbol string) string {
	return strings.Replace(symbol, "_", "/", 1)
}

// FromUpstreamSymbol converts BTC/TRY back to BTC_TRY.
func FromUpstreamSymbol(symbol string) string {
	return strings.Replace(symbol, "/", "_", 1)
}

func zeroOrderBook(symbol string) OrderBook {
	return OrderBook{Symbol: symbol, Bids: []Level{}, Asks: []Level{}}
}

func zeroTicker(symbol string) Ticker {
	return Ticker{Symbol: symbol}
}

func zeroTrades(string) []Trade {
	return []Trade{}
}
