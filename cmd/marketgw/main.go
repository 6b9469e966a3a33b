package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aidin1998/pincex_marketgw/api"
	"github.com/Aidin1998/pincex_marketgw/internal/cache"
	"github.com/Aidin1998/pincex_marketgw/internal/config"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/broadcast"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/symbols"
	"github.com/Aidin1998/pincex_marketgw/internal/redis"
	"github.com/Aidin1998/pincex_marketgw/internal/upstream"
	"github.com/Aidin1998/pincex_marketgw/internal/ws"
	"github.com/Aidin1998/pincex_marketgw/pkg/logger"
	"github.com/Aidin1998/pincex_marketgw/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	zapLogger, level, err := logger.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	// Load configuration; MARKETGW_CONFIG_FILE overrides the default search paths
	var paths []string
	if path := os.Getenv("MARKETGW_CONFIG_FILE"); path != "" {
		paths = append(paths, path)
	}
	loader := config.NewLoader(zapLogger)
	cfg, err := loader.Load(paths...)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	level.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	// Shared store: response cache and limiter windows
	redisClient := redis.NewClient(&cfg.Redis, zapLogger.Sugar())
	breakers := resilience.NewManager(zapLogger)

	cacheBreaker, err := breakers.GetOrCreate(storeBreaker(cfg.Breaker, "redis-cache"))
	if err != nil {
		zapLogger.Fatal("Failed to create cache breaker", zap.Error(err))
	}
	responseCache := cache.New(cache.NewRedisStore(redisClient.GetClient()), cacheBreaker, zapLogger)

	limiterBreaker, err := breakers.GetOrCreate(storeBreaker(cfg.Breaker, "redis-ratelimit"))
	if err != nil {
		zapLogger.Fatal("Failed to create rate limit breaker", zap.Error(err))
	}
	limiter := ratelimit.NewSlidingWindowLimiter(ratelimit.NewRedisWindowStore(redisClient.GetClient()), zapLogger,
		ratelimit.WithStoreBreaker(limiterBreaker))
	rules := ratelimit.NewRuleSet(cfg.RateLimit.Default, cfg.RateLimit.Rules, zapLogger)
	if cfg.RateLimit.RulesFile != "" {
		if err := rules.LoadFromFile(cfg.RateLimit.RulesFile); err != nil {
			zapLogger.Fatal("Failed to load rate limit rules", zap.String("path", cfg.RateLimit.RulesFile), zap.Error(err))
		}
		if err := rules.WatchFile(ctx, cfg.RateLimit.RulesFile); err != nil {
			zapLogger.Warn("Rate limit rules hot reload disabled", zap.Error(err))
		}
	}
	for _, identity := range cfg.RateLimit.Whitelist {
		if err := limiter.AddToWhitelist(ctx, identity); err != nil {
			zapLogger.Warn("Failed to seed rate limit whitelist", zap.String("identity", identity), zap.Error(err))
		}
	}

	loader.Watch(func(c *config.Config) {
		level.SetLevel(logger.ParseLevel(c.Log.Level))
		if c.RateLimit.RulesFile == "" {
			rules.Replace(c.RateLimit.Rules)
		}
	})

	// Matching engine client
	upCfg := upstream.DefaultConfig(cfg.Upstream.BaseURL)
	upCfg.Timeout = cfg.Upstream.Timeout
	upCfg.Retry = cfg.Upstream.Retry
	upCfg.Breaker = cfg.Breaker
	upCfg.FallbackMaxAge = cfg.Upstream.FallbackMaxAge
	upClient, err := upstream.NewClient(upCfg, breakers, tokenSource(cfg.Upstream), zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create upstream client", zap.Error(err))
	}

	engine := analytics.NewEngine(upClient, responseCache, symbols.NewRegistry(cfg.Market.Symbols), cfg.Market.Analytics, zapLogger)
	scheduler := broadcast.NewScheduler(engine, zapLogger, broadcast.WithInterval(cfg.Market.BroadcastInterval))
	hub := ws.NewHub(cfg.WS, scheduler, engine, zapLogger)

	var limits *ratelimit.Middleware
	var whitelist api.Whitelist
	if cfg.RateLimit.Enabled {
		limits = ratelimit.NewMiddleware(limiter, rules, zapLogger)
		whitelist = limiter
	}
	server := api.NewServer(engine, hub, limits, whitelist, breakers, responseCache, api.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
		UserIDClaim:    cfg.Auth.UserIDClaim,
		AdminToken:     cfg.Auth.AdminToken,
	}, zapLogger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting market data gateway",
			zap.String("addr", httpServer.Addr),
			zap.String("environment", cfg.Environment),
			zap.Strings("symbols", cfg.Market.Symbols))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down server...")
	case err := <-serverErr:
		zapLogger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	hub.Close()
	scheduler.Close()
	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Failed to close Redis client", zap.Error(err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush telemetry", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}

func storeBreaker(base resilience.BreakerConfig, name string) resilience.BreakerConfig {
	base.Name = name
	return base
}

// tokenSource picks the credential sent to the matching engine.
func tokenSource(cfg config.UpstreamConfig) upstream.TokenSource {
	switch {
	case cfg.StaticToken != "":
		return upstream.StaticTokenSource(cfg.StaticToken)
	case cfg.TokenSecret != "":
		return upstream.NewJWTTokenSource(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenSubject, cfg.TokenLifetime)
	default:
		return nil
	}
}
