package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_marketgw/api"
	"github.com/Aidin1998/pincex_marketgw/internal/cache"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/symbols"
	"github.com/Aidin1998/pincex_marketgw/internal/upstream"
	"github.com/Aidin1998/pincex_marketgw/testutil"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	adminToken = "admin-secret"
	jwtSecret  = "jwt-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubMarket struct {
	stale bool
	now   time.Time
}

func (m *stubMarket) meta() upstream.Meta { return upstream.Meta{Stale: m.stale} }

func (m *stubMarket) GetOrderBook(_ context.Context, symbol string, depth int) (upstream.Envelope[upstream.OrderBook], error) {
	book := upstream.OrderBook{
		Symbol: symbol,
		Bids: []upstream.Level{
			{Price: decimal.RequireFromString("50000"), Amount: decimal.RequireFromString("1.5")},
			{Price: decimal.RequireFromString("49900"), Amount: decimal.RequireFromString("3")},
		},
		Asks: []upstream.Level{
			{Price: decimal.RequireFromString("50100"), Amount: decimal.RequireFromString("2")},
		},
	}
	return upstream.Envelope[upstream.OrderBook]{Success: true, Data: book, Meta: m.meta()}, nil
}

func (m *stubMarket) GetTicker(_ context.Context, symbol string) (upstream.Envelope[upstream.Ticker], error) {
	t := upstream.Ticker{Symbol: symbol, LastPrice: decimal.RequireFromString("50050")}
	return upstream.Envelope[upstream.Ticker]{Success: true, Data: t, Meta: m.meta()}, nil
}

func (m *stubMarket) GetTrades(_ context.Context, symbol string, limit int) (upstream.Envelope[[]upstream.Trade], error) {
	trades := make([]upstream.Trade, 40)
	for i := range trades {
		trades[i] = upstream.Trade{
			Price:     decimal.NewFromInt(int64(100 + i)),
			Amount:    decimal.NewFromInt(1),
			Timestamp: m.now.Add(-time.Duration(40-i) * time.Minute),
		}
	}
	return upstream.Envelope[[]upstream.Trade]{Success: true, Data: trades, Meta: m.meta()}, nil
}

type fixture struct {
	router   *gin.Engine
	store    *cache.MemoryStore
	breakers *resilience.Manager
	market   *stubMarket
}

func setup(t *testing.T, rules ...ratelimit.Rule) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := testutil.NewClock()

	market := &stubMarket{now: clock.Now()}
	store := cache.NewMemoryStore(clock.Now)
	engine := analytics.NewEngine(market, cache.New(store, nil, logger), symbols.NewRegistry(nil),
		analytics.DefaultConfig(), logger, analytics.WithEngineClock(clock.Now))

	limiter := ratelimit.NewSlidingWindowLimiter(ratelimit.NewMemoryWindowStore(), logger)
	ruleSet := ratelimit.NewRuleSet(ratelimit.DefaultRule, rules, logger)

	breakers := resilience.NewManager(logger)
	_, err := breakers.GetOrCreate(resilience.DefaultBreakerConfig("upstream.orderbook"))
	require.NoError(t, err)

	srv := api.NewServer(engine, nil, ratelimit.NewMiddleware(limiter, ruleSet, logger), limiter,
		breakers, store, api.Options{JWTSecret: jwtSecret, AdminToken: adminToken}, logger)
	return &fixture{router: srv.Router(), store: store, breakers: breakers, market: market}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   map[string]any  `json:"error"`
	Meta    struct {
		RequestID string `json:"request_id"`
		Stale     bool   `json:"stale"`
	} `json:"meta"`
}

func do(t *testing.T, r http.Handler, method, path string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "198.51.100.7:4000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthCheck(t *testing.T) {
	f := setup(t)

	w, _ := do(t, f.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report api.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, api.StatusOK, report.Status)
	assert.Equal(t, api.StatusOK, report.Redis)
	require.Len(t, report.Breakers, 1)
	assert.Equal(t, resilience.StateClosed, report.Breakers[0].State)

	cb, _ := f.breakers.Get("upstream.orderbook")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") }, nil)
	}
	w, _ = do(t, f.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, api.StatusDegraded, report.Status)
	require.Len(t, report.Breakers, 1)
	assert.Equal(t, resilience.StateOpen, report.Breakers[0].State)
}

func TestGetOrderBook(t *testing.T) {
	f := setup(t)

	w, env := do(t, f.router, http.MethodGet, "/market/orderbook/btc_try?depth=1", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "req-1", env.Meta.RequestID)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	assert.False(t, env.Meta.Stale)

	var book analytics.OrderBook
	require.NoError(t, json.Unmarshal(env.Data, &book))
	assert.Equal(t, "BTC_TRY", book.Symbol)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "50000.00000000", book.Bids[0].Price)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestGetOrderBook_Validation(t *testing.T) {
	f := setup(t)

	for _, path := range []string{
		"/market/orderbook/BTC_TRY?depth=0",
		"/market/orderbook/BTC_TRY?depth=101",
		"/market/orderbook/BTC_TRY?depth=abc",
	} {
		w, env := do(t, f.router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.False(t, env.Success, path)
	}

	w, env := do(t, f.router, http.MethodGet, "/market/orderbook/BTC-TRY", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BTC_TRY", env.Error["suggestion"])
	assert.Equal(t, float64(http.StatusBadRequest), env.Error["status"])
}

func TestGetOrderBook_MarksUserOrders(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.HSet(context.Background(), cache.UserOrderPricesKey("42"), "BTC_TRY", `["49900"]`))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	w, env := do(t, f.router, http.MethodGet, "/market/orderbook/BTC_TRY", bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	var book analytics.OrderBook
	require.NoError(t, json.Unmarshal(env.Data, &book))
	require.Len(t, book.Bids, 2)
	assert.False(t, book.Bids[0].IsUserOrder)
	assert.True(t, book.Bids[1].IsUserOrder)

	// a bad token leaves the caller anonymous
	_, env = do(t, f.router, http.MethodGet, "/market/orderbook/BTC_TRY", bearer("garbage"))
	var anon analytics.OrderBook
	require.NoError(t, json.Unmarshal(env.Data, &anon))
	require.Len(t, anon.Bids, 2)
	assert.False(t, anon.Bids[1].IsUserOrder)
}

func TestStaleResponsesAreFlagged(t *testing.T) {
	f := setup(t)
	f.market.stale = true

	w, env := do(t, f.router, http.MethodGet, "/market/ticker/BTC_TRY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Meta.Stale)
}

func TestGetTickersAndDepthChart(t *testing.T) {
	f := setup(t)

	w, env := do(t, f.router, http.MethodGet, "/market/tickers?symbols=btc_try,%20eth_try,BTC_TRY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tickers []analytics.Ticker
	require.NoError(t, json.Unmarshal(env.Data, &tickers))
	assert.Len(t, tickers, 2)

	w, env = do(t, f.router, http.MethodGet, "/market/orderbook/ETH_TRY/depth-chart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var chart analytics.DepthChart
	require.NoError(t, json.Unmarshal(env.Data, &chart))
	assert.Equal(t, "ETH_TRY", chart.Symbol)
	assert.Len(t, chart.Bids, 2)

	w, _ = do(t, f.router, http.MethodGet, "/market/statistics/ETH_TRY", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetIndicator(t *testing.T) {
	f := setup(t)

	w, env := do(t, f.router, http.MethodGet, "/market/indicators/BTC_TRY?type=rsi&period=14", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var series analytics.IndicatorSeries
	require.NoError(t, json.Unmarshal(env.Data, &series))
	assert.Equal(t, analytics.IndicatorRSI, series.Type)
	assert.Len(t, series.Values, 40-14)

	w, env = do(t, f.router, http.MethodGet, "/market/indicators/BTC_TRY", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "type", env.Error["field"])

	w, _ = do(t, f.router, http.MethodGet, "/market/indicators/BTC_TRY?type=vwap", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 40 trades cannot seed a 100 period SMA
	w, env = do(t, f.router, http.MethodGet, "/market/indicators/BTC_TRY?type=sma&period=100", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, float64(100), env.Error["required"])
}

func TestRateLimitAndWhitelist(t *testing.T) {
	f := setup(t, ratelimit.Rule{Route: api.RouteTicker, Limit: 1, Window: time.Minute, Enabled: true})

	w, _ := do(t, f.router, http.MethodGet, "/market/ticker/BTC_TRY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, env := do(t, f.router, http.MethodGet, "/market/ticker/BTC_TRY", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.False(t, env.Success)

	w, _ = do(t, f.router, http.MethodPost, "/admin/ratelimit/whitelist/ip:198.51.100.7", bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, f.router, http.MethodGet, "/market/ticker/BTC_TRY", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, f.router, http.MethodGet, "/admin/ratelimit/whitelist", bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "ip:198.51.100.7")

	w, _ = do(t, f.router, http.MethodDelete, "/admin/ratelimit/whitelist/ip:198.51.100.7", bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, f.router, http.MethodGet, "/market/ticker/BTC_TRY", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAdminBreakers(t *testing.T) {
	f := setup(t)

	w, _ := do(t, f.router, http.MethodGet, "/admin/breakers", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = do(t, f.router, http.MethodGet, "/admin/breakers", bearer("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cb, _ := f.breakers.Get("upstream.orderbook")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") }, nil)
	}
	require.Equal(t, resilience.StateOpen, cb.State())

	w, env := do(t, f.router, http.MethodGet, "/admin/breakers", bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"state":"open"`)

	w, _ = do(t, f.router, http.MethodPost, "/admin/breakers/upstream.orderbook/reset", bearer(adminToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, resilience.StateClosed, cb.State())

	w, _ = do(t, f.router, http.MethodPost, "/admin/breakers/nope/reset", bearer(adminToken))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
