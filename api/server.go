// Package api exposes the gateway's public REST and WebSocket surface and
// the operator endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Route names used for rate limit rules.
const (
	RouteOrderBook  = "orderbook"
	RouteDepthChart = "depth_chart"
	RouteTicker     = "ticker"
	RouteTickers    = "tickers"
	RouteStatistics = "statistics"
	RouteIndicators = "indicators"
	RouteWebSocket  = "ws"
)

// MarketService is the read surface behind the market routes.
type MarketService interface {
	OrderBook(ctx context.Context, symbol string, depth int, userID string) (analytics.OrderBook, error)
	DepthChart(ctx context.Context, symbol string) (analytics.DepthChart, error)
	Ticker(ctx context.Context, symbol string) (analytics.Ticker, error)
	Tickers(ctx context.Context, symbols []string) ([]analytics.Ticker, error)
	Statistics24h(ctx context.Context, symbol string) (analytics.Statistics, error)
	Indicator(ctx context.Context, symbol string, t analytics.IndicatorType, period int) (analytics.IndicatorSeries, error)
	ValidateSymbol(symbol string) (string, error)
	ValidateDepth(depth int) (int, error)
}

// StreamHandler upgrades a request to a market data stream.
type StreamHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request, identity string)
	Connections() int
}

// Whitelist manages limiter bypass identities.
type Whitelist interface {
	AddToWhitelist(ctx context.Context, identity string) error
	RemoveFromWhitelist(ctx context.Context, identity string) error
	Whitelist(ctx context.Context) ([]string, error)
}

// Pinger reports shared store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// JWTSecret verifies optional bearer tokens on public routes
	JWTSecret   string
	UserIDClaim string
	// AdminToken guards /admin; empty disables the admin routes
	AdminToken string
}

// Server represents the HTTP server
type Server struct {
	market    MarketService
	stream    StreamHandler
	limits    *ratelimit.Middleware
	whitelist Whitelist
	breakers  *resilience.Manager
	store     Pinger
	opts      Options
	logger    *zap.Logger
	router    *gin.Engine
	validate  *validator.Validate
}

// NewServer creates a new HTTP server. limits, whitelist and store may be nil.
func NewServer(
	market MarketService,
	stream StreamHandler,
	limits *ratelimit.Middleware,
	whitelist Whitelist,
	breakers *resilience.Manager,
	store Pinger,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "marketgw"
	}
	if opts.UserIDClaim == "" {
		opts.UserIDClaim = "sub"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: !containsWildcard(opts.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(requestID())

	s := &Server{
		market:    market,
		stream:    stream,
		limits:    limits,
		whitelist: whitelist,
		breakers:  breakers,
		store:     store,
		opts:      opts,
		logger:    logger.With(zap.String("component", "api")),
		router:    router,
		validate:  validator.New(),
	}
	s.registerRoutes()
	return s
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Router returns the underlying gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the server as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// limit returns the rate limit middleware for route, or a pass-through when
// limiting is disabled.
func (s *Server) limit(route string) gin.HandlerFunc {
	if s.limits == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limits.Handler(route)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	market := s.router.Group("/market")
	market.Use(s.identityMiddleware())
	{
		market.GET("/orderbook/:symbol", s.limit(RouteOrderBook), s.getOrderBook)
		market.GET("/orderbook/:symbol/depth-chart", s.limit(RouteDepthChart), s.getDepthChart)
		market.GET("/ticker/:symbol", s.limit(RouteTicker), s.getTicker)
		market.GET("/tickers", s.limit(RouteTickers), s.getTickers)
		market.GET("/statistics/:symbol", s.limit(RouteStatistics), s.getStatistics)
		market.GET("/indicators/:symbol", s.limit(RouteIndicators), s.getIndicator)
	}

	s.router.GET("/ws/market", s.identityMiddleware(), s.limit(RouteWebSocket), s.serveStream)

	if s.opts.AdminToken == "" {
		s.logger.Info("admin API disabled, no admin token configured")
		return
	}
	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	if s.breakers != nil {
		admin.GET("/breakers", s.listBreakers)
		admin.POST("/breakers/:name/reset", s.resetBreaker)
	}
	if s.whitelist != nil {
		admin.GET("/ratelimit/whitelist", s.listWhitelist)
		admin.POST("/ratelimit/whitelist/:identity", s.addWhitelist)
		admin.DELETE("/ratelimit/whitelist/:identity", s.removeWhitelist)
	}
}

func (s *Server) serveStream(c *gin.Context) {
	if s.stream == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	s.stream.ServeWS(c.Writer, c.Request, ratelimit.Identity(c))
}
