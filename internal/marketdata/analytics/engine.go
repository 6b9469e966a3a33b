// Package analytics derives public market data views from upstream payloads:
// order books, depth charts, tickers, rolling statistics and technical
// indicators. Derived views are cached in the shared store; views built from
// fallback payloads are returned but never cached.
package analytics

import (
	"context"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/cache"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/symbols"
	"github.com/Aidin1998/pincex_marketgw/internal/upstream"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData is the upstream surface the engine reads from.
type MarketData interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (upstream.Envelope[upstream.OrderBook], error)
	GetTicker(ctx context.Context, symbol string) (upstream.Envelope[upstream.Ticker], error)
	GetTrades(ctx context.Context, symbol string, limit int) (upstream.Envelope[[]upstream.Trade], error)
}

// Config holds cache lifetimes and request bounds.
type Config struct {
	OrderBookTTL      time.Duration `mapstructure:"orderbook_ttl"`
	DepthChartTTL     time.Duration `mapstructure:"depth_chart_ttl"`
	TickerTTL         time.Duration `mapstructure:"ticker_ttl"`
	StatisticsTTL     time.Duration `mapstructure:"statistics_ttl"`
	IndicatorTTL      time.Duration `mapstructure:"indicator_ttl"`
	DefaultDepth      int           `mapstructure:"default_depth"`
	MaxDepth          int           `mapstructure:"max_depth"`
	MaxTickers        int           `mapstructure:"max_tickers"`
	MaxPeriod         int           `mapstructure:"max_period"`
	TradeHistoryLimit int           `mapstructure:"trade_history_limit"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OrderBookTTL:      5 * time.Second,
		DepthChartTTL:     5 * time.Second,
		TickerTTL:         10 * time.Second,
		StatisticsTTL:     10 * time.Second,
		IndicatorTTL:      60 * time.Second,
		DefaultDepth:      20,
		MaxDepth:          100,
		MaxTickers:        10,
		MaxPeriod:         200,
		TradeHistoryLimit: 1000,
	}
}

// BookLevel is one public order book level.
type BookLevel struct {
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Total       string `json:"total"`
	IsUserOrder bool   `json:"is_user_order,omitempty"`
}

// OrderBook is the public order book view.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Depth     int         `json:"depth"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`

	Stale bool `json:"-"`
}

// Truncate returns a copy limited to depth levels per side.
func (b OrderBook) Truncate(depth int) OrderBook {
	out := b
	out.Depth = depth
	out.Bids = append([]BookLevel(nil), b.Bids[:min(depth, len(b.Bids))]...)
	out.Asks = append([]BookLevel(nil), b.Asks[:min(depth, len(b.Asks))]...)
	return out
}

// Engine computes and caches derived market data.
type Engine struct {
	cfg     Config
	up      MarketData
	cache   *cache.Cache
	symbols *symbols.Registry
	logger  *zap.Logger
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine to its upstream, cache and symbol registry.
func NewEngine(up MarketData, c *cache.Cache, reg *symbols.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = symbols.NewRegistry(nil)
	}
	e := &Engine{
		cfg:     cfg,
		up:      up,
		cache:   c,
		symbols: reg,
		logger:  logger.With(zap.String("component", "analytics")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Symbols returns the registry used for validation.
func (e *Engine) Symbols() *symbols.Registry { return e.symbols }

// load serves key from the cache or computes it. Stale results are not cached.
func load[T any](ctx context.Context, e *Engine, namespace, key string, ttl time.Duration, compute func(context.Context) (T, bool, error)) (T, bool, error) {
	var (
		v     T
		stale bool
		err   error
	)
	if e.cache != nil {
		v, stale, err = cache.GetOrCompute(ctx, e.cache, namespace, key, ttl, compute)
	} else {
		v, stale, err = compute(ctx)
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	if stale {
		e.logger.Warn("serving stale market data", zap.String("key", key))
	}
	return v, stale, nil
}

// ValidateSymbol normalises symbol against the allow-list.
func (e *Engine) ValidateSymbol(symbol string) (string, error) {
	return e.symbols.Validate(symbol)
}

// ValidateDepth checks an order book depth. Zero selects the default.
func (e *Engine) ValidateDepth(depth int) (int, error) {
	if depth == 0 {
		return e.cfg.DefaultDepth, nil
	}
	if depth < 1 || depth > e.cfg.MaxDepth {
		return 0, apperrors.InvalidInput("depth must be between 1 and %d, got %d", e.cfg.MaxDepth, depth)
	}
	return depth, nil
}

// OrderBook returns the top depth levels of symbol. When userID is set,
// levels at prices where that user has resting orders are flagged.
func (e *Engine) OrderBook(ctx context.Context, symbol string, depth int, userID string) (OrderBook, error) {
	symbol, err := e.symbols.Validate(symbol)
	if err != nil {
		return OrderBook{}, err
	}
	if depth, err = e.ValidateDepth(depth); err != nil {
		return OrderBook{}, err
	}

	book, stale, err := load(ctx, e, "orderbook", cache.OrderBookKey(symbol, depth), e.cfg.OrderBookTTL,
		func(ctx context.Context) (OrderBook, bool, error) {
			return e.fetchOrderBook(ctx, symbol, depth)
		})
	if err != nil {
		return OrderBook{}, err
	}
	book.Stale = stale
	if userID != "" {
		e.markUserOrders(ctx, &book, userID)
	}
	return book, nil
}

// OrderBookSnapshot fetches a fresh book bypassing the cache read, then
// refreshes the cached copy. Used by the broadcast loop.
func (e *Engine) OrderBookSnapshot(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	symbol, err := e.symbols.Validate(symbol)
	if err != nil {
		return OrderBook{}, err
	}
	if depth, err = e.ValidateDepth(depth); err != nil {
		return OrderBook{}, err
	}
	book, stale, err := e.fetchOrderBook(ctx, symbol, depth)
	if err != nil {
		return OrderBook{}, err
	}
	book.Stale = stale
	if !stale && e.cache != nil {
		e.cache.Set(ctx, cache.OrderBookKey(symbol, depth), book, e.cfg.OrderBookTTL)
	}
	return book, nil
}

func (e *Engine) fetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, bool, error) {
	env, err := e.up.GetOrderBook(ctx, symbol, depth)
	if err != nil {
		return OrderBook{}, false, err
	}
	ts := env.Data.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	return OrderBook{
		Symbol:    symbol,
		Depth:     depth,
		Bids:      bookLevels(top(env.Data.Bids, depth)),
		Asks:      bookLevels(top(env.Data.Asks, depth)),
		Timestamp: ts,
	}, env.Meta.Stale, nil
}

func bookLevels(levels []upstream.Level) []BookLevel {
	out := make([]BookLevel, len(levels))
	total := decimal.Zero
	for i, l := range levels {
		total = total.Add(l.Amount)
		out[i] = BookLevel{
			Price:  formatAmount(l.Price),
			Amount: formatAmount(l.Amount),
			Total:  formatAmount(total),
		}
	}
	return out
}

// markUserOrders flags levels whose price is listed for the user. The hash at
// user:order:prices:{userId} maps a symbol to a JSON array of prices.
func (e *Engine) markUserOrders(ctx context.Context, book *OrderBook, userID string) {
	if e.cache == nil {
		return
	}
	raw := e.cache.HGet(ctx, cache.UserOrderPricesKey(userID), book.Symbol)
	if raw == "" {
		return
	}
	var prices []string
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		e.logger.Debug("ignoring malformed user order prices",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	mine := make([]decimal.Decimal, 0, len(prices))
	for _, p := range prices {
		if d, err := decimal.NewFromString(p); err == nil {
			mine = append(mine, d)
		}
	}
	// the cached slices are shared with other callers
	book.Bids = markLevels(book.Bids, mine)
	book.Asks = markLevels(book.Asks, mine)
}

func markLevels(levels []BookLevel, prices []decimal.Decimal) []BookLevel {
	out := make([]BookLevel, len(levels))
	for i, l := range levels {
		out[i] = l
		p, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		for _, mp := range prices {
			if p.Equal(mp) {
				out[i].IsUserOrder = true
				break
			}
		}
	}
	return out
}

// DepthChart returns the cumulative depth chart of symbol.
func (e *Engine) DepthChart(ctx context.Context, symbol string) (DepthChart, error) {
	symbol, err := e.symbols.Validate(symbol)
	if err != nil {
		return DepthChart{}, err
	}
	chart, stale, err := load(ctx, e, "depth_chart", cache.DepthChartKey(symbol), e.cfg.DepthChartTTL,
		func(ctx context.Context) (DepthChart, bool, error) {
			env, err := e.up.GetOrderBook(ctx, symbol, DepthChartLevels)
			if err != nil {
				return DepthChart{}, false, err
			}
			book := env.Data
			book.Symbol = symbol
			if book.Timestamp.IsZero() {
				book.Timestamp = e.now()
			}
			return BuildDepthChart(book, DepthChartLevels), env.Meta.Stale, nil
		})
	chart.Stale = stale
	return chart, err
}

// Statistics24h returns the rolling 24h statistics of symbol.
func (e *Engine) Statistics24h(ctx context.Context, symbol string) (Statistics, error) {
	symbol, err := e.symbols.Validate(symbol)
	if err != nil {
		return Statistics{}, err
	}
	return e.statistics(ctx, symbol)
}

func (e *Engine) statistics(ctx context.Context, symbol string) (Statistics, error) {
	stats, stale, err := load(ctx, e, "statistics", cache.Statistics24hKey(symbol), e.cfg.StatisticsTTL,
		func(ctx context.Context) (Statistics, bool, error) {
			env, err := e.up.GetTrades(ctx, symbol, e.cfg.TradeHistoryLimit)
			if err != nil {
				return Statistics{}, false, err
			}
			return ReduceTrades(symbol, env.Data, e.now(), StatisticsWindow), env.Meta.Stale, nil
		})
	stats.Stale = stale
	return stats, err
}

// Ticker returns the ticker of symbol.
func (e *Engine) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	symbol, err := e.symbols.Validate(symbol)
	if err != nil {
		return Ticker{}, err
	}
	return e.ticker(ctx, symbol)
}

func (e *Engine) ticker(ctx context.Context, symbol string) (Ticker, error) {
	t, stale, err := load(ctx, e, "ticker", cache.TickerKey(symbol), e.cfg.TickerTTL,
		func(ctx context.Context) (Ticker, bool, error) {
			env, err := e.up.GetTicker(ctx, symbol)
			if err != nil {
				return Ticker{}, false, err
			}
			// reduced here rather than via statistics(): the two views share
			// the trade feed and nothing else
			trades, err := e.up.GetTrades(ctx, symbol, e.cfg.TradeHistoryLimit)
			if err != nil {
				return Ticker{}, false, err
			}
			now := e.now()
			stats := ReduceTrades(symbol, trades.Data, now, StatisticsWindow)
			return BuildTicker(env.Data, stats, now), env.Meta.Stale || trades.Meta.Stale, nil
		})
	t.Stale = stale
	return t, err
}

// ParseSymbolList splits a comma separated list, trimming and upper-casing
// each entry and dropping empties and duplicates.
func ParseSymbolList(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range strings.Split(raw, ",") {
		s = symbols.Normalize(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Tickers returns tickers for up to MaxTickers symbols. An empty list means
// every allowed symbol.
func (e *Engine) Tickers(ctx context.Context, list []string) ([]Ticker, error) {
	if len(list) == 0 {
		list = e.symbols.All()
	}
	if len(list) > e.cfg.MaxTickers {
		return nil, apperrors.InvalidInput("at most %d symbols may be requested, got %d", e.cfg.MaxTickers, len(list))
	}
	valid := make([]string, 0, len(list))
	for _, s := range list {
		v, err := e.symbols.Validate(s)
		if err != nil {
			return nil, err
		}
		valid = append(valid, v)
	}

	out := make([]Ticker, 0, len(valid))
	for _, s := range valid {
		t, err := e.ticker(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
