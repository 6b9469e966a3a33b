package analytics

import (
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/upstream"
	"github.com/shopspring/decimal"
)

// DepthChartLevels is how many levels per side a depth chart shows.
const DepthChartLevels = 50

var hundred = decimal.NewFromInt(100)

// DepthPoint is one level of a depth chart side.
type DepthPoint struct {
	Price      string `json:"price"`
	Amount     string `json:"amount"`
	Cumulative string `json:"cumulative"`
	// Percentage of the side's total cumulative volume, "0.00" to "100.00".
	Percentage string `json:"percentage"`
}

// Spread is the gap between best ask and best bid.
type Spread struct {
	Value      string `json:"value"`
	Percentage string `json:"percentage"`
}

// DepthChart is the cumulative view of a book.
type DepthChart struct {
	Symbol           string       `json:"symbol"`
	Bids             []DepthPoint `json:"bids"`
	Asks             []DepthPoint `json:"asks"`
	Spread           Spread       `json:"spread"`
	MaxBidCumulative string       `json:"max_bid_cumulative"`
	MaxAskCumulative string       `json:"max_ask_cumulative"`
	Timestamp        time.Time    `json:"timestamp"`

	Stale bool `json:"-"`
}

// BuildDepthChart derives a depth chart from a book whose bids are sorted
// descending and asks ascending. Only the top levels per side are used.
func BuildDepthChart(book upstream.OrderBook, levels int) DepthChart {
	if levels <= 0 {
		levels = DepthChartLevels
	}
	bids, bidTotal := cumulate(top(book.Bids, levels))
	asks, askTotal := cumulate(top(book.Asks, levels))

	return DepthChart{
		Symbol:           book.Symbol,
		Bids:             bids,
		Asks:             asks,
		Spread:           spreadOf(book.Bids, book.Asks),
		MaxBidCumulative: formatAmount(bidTotal),
		MaxAskCumulative: formatAmount(askTotal),
		Timestamp:        book.Timestamp,
	}
}

func top(levels []upstream.Level, n int) []upstream.Level {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

func cumulate(levels []upstream.Level) ([]DepthPoint, decimal.Decimal) {
	totals := make([]decimal.Decimal, len(levels))
	running := decimal.Zero
	for i, l := range levels {
		running = running.Add(l.Amount)
		totals[i] = running
	}

	out := make([]DepthPoint, len(levels))
	for i, l := range levels {
		pct := decimal.Zero
		if running.IsPositive() {
			pct = totals[i].Div(running).Mul(hundred)
		}
		out[i] = DepthPoint{
			Price:      formatAmount(l.Price),
			Amount:     formatAmount(l.Amount),
			Cumulative: formatAmount(totals[i]),
			Percentage: pct.StringFixed(2),
		}
	}
	return out, running
}

func spreadOf(bids, asks []upstream.Level) Spread {
	if len(bids) == 0 || len(asks) == 0 {
		return Spread{Value: formatAmount(decimal.Zero), Percentage: formatPercent(decimal.Zero)}
	}
	bestBid, bestAsk := bids[0].Price, asks[0].Price
	value := bestAsk.Sub(bestBid)
	pct := decimal.Zero
	if bestBid.IsPositive() {
		pct = value.Div(bestBid).Mul(hundred)
	}
	return Spread{Value: formatAmount(value), Percentage: formatPercent(pct)}
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(8)
}

func formatPercent(d decimal.Decimal) string {
	return d.StringFixed(2) + "%"
}
