// Package config loads gateway configuration from defaults, an optional YAML
// file, a .env file and MARKETGW_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/pincex_marketgw/internal/infrastructure/resilience"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/broadcast"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/symbols"
	"github.com/Aidin1998/pincex_marketgw/internal/redis"
	"github.com/Aidin1998/pincex_marketgw/internal/ws"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. MARKETGW_SERVER_PORT.
const EnvPrefix = "MARKETGW"

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// UpstreamConfig configures the matching engine client.
type UpstreamConfig struct {
	BaseURL        string                 `mapstructure:"base_url"`
	Timeout        time.Duration          `mapstructure:"timeout"`
	FallbackMaxAge time.Duration          `mapstructure:"fallback_max_age"`
	Retry          resilience.RetryPolicy `mapstructure:"retry"`
	// Token settings for the service JWT sent to the engine. A static
	// token wins over a signing secret; neither disables auth.
	StaticToken   string        `mapstructure:"static_token"`
	TokenSecret   string        `mapstructure:"token_secret"`
	TokenIssuer   string        `mapstructure:"token_issuer"`
	TokenSubject  string        `mapstructure:"token_subject"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`
}

// RateLimitConfig configures the public API limiter.
type RateLimitConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Default   ratelimit.Rule   `mapstructure:"default"`
	Rules     []ratelimit.Rule `mapstructure:"rules"`
	RulesFile string           `mapstructure:"rules_file"`
	Whitelist []string         `mapstructure:"whitelist"`
}

// MarketConfig configures symbols, broadcast cadence and derived data.
type MarketConfig struct {
	Symbols           []string         `mapstructure:"symbols"`
	BroadcastInterval time.Duration    `mapstructure:"broadcast_interval"`
	Analytics         analytics.Config `mapstructure:"analytics"`
}

// AuthConfig verifies caller bearer tokens for identity extraction.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	AdminToken  string `mapstructure:"admin_token"`
	UserIDClaim string `mapstructure:"user_id_claim"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Config represents the application configuration
type Config struct {
	Environment string                   `mapstructure:"environment"`
	Server      ServerConfig             `mapstructure:"server"`
	Log         LogConfig                `mapstructure:"log"`
	Redis       redis.Config             `mapstructure:"redis"`
	Upstream    UpstreamConfig           `mapstructure:"upstream"`
	Breaker     resilience.BreakerConfig `mapstructure:"breaker"`
	RateLimit   RateLimitConfig          `mapstructure:"rate_limit"`
	Market      MarketConfig             `mapstructure:"market"`
	WS          ws.Config                `mapstructure:"websocket"`
	Auth        AuthConfig               `mapstructure:"auth"`
	Telemetry   TelemetryConfig          `mapstructure:"telemetry"`
}

// Loader reads and watches configuration.
type Loader struct {
	v      *viper.Viper
	logger *zap.Logger

	mu     sync.RWMutex
	config *Config
}

// NewLoader creates a loader with its own viper instance.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{v: viper.New(), logger: logger.With(zap.String("component", "config"))}
}

// Load reads .env (if present), then the first existing config file among
// paths (or the default locations), then the environment.
func (l *Loader) Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("failed to read .env file", zap.Error(err))
	}

	l.setupViper()
	setDefaults(l.v)

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "./config/config.yaml", "/etc/marketgw/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			l.logger.Debug("config file not found, skipping", zap.String("path", path))
			continue
		}
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		l.logger.Info("loaded configuration file", zap.String("path", path))
		break
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch calls onChange with the reloaded configuration whenever the config
// file changes. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		l.logger.Debug("no config file in use, hot reload disabled")
		return
	}
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("ignoring invalid configuration change", zap.String("file", ev.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		l.config = cfg
		l.mu.Unlock()
		l.logger.Info("configuration reloaded", zap.String("file", ev.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) setupViper() {
	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Load is a convenience wrapper around a fresh Loader.
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	return NewLoader(logger).Load(paths...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	rc := redis.DefaultConfig()
	v.SetDefault("redis.addr", rc.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", rc.PoolSize)
	v.SetDefault("redis.min_idle_conns", rc.MinIdleConns)
	v.SetDefault("redis.conn_max_lifetime", rc.ConnMaxLifetime)
	v.SetDefault("redis.conn_max_idle_time", rc.ConnMaxIdleTime)
	v.SetDefault("redis.pool_timeout", rc.PoolTimeout)
	v.SetDefault("redis.max_retries", rc.MaxRetries)
	v.SetDefault("redis.min_retry_backoff", rc.MinRetryBackoff)
	v.SetDefault("redis.max_retry_backoff", rc.MaxRetryBackoff)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.read_timeout", rc.ReadTimeout)
	v.SetDefault("redis.write_timeout", rc.WriteTimeout)

	rp := resilience.DefaultRetryPolicy()
	v.SetDefault("upstream.base_url", "http://localhost:9000")
	v.SetDefault("upstream.timeout", 5*time.Second)
	v.SetDefault("upstream.fallback_max_age", 10*time.Minute)
	v.SetDefault("upstream.retry.max_attempts", rp.MaxAttempts)
	v.SetDefault("upstream.retry.initial_interval", rp.InitialInterval)
	v.SetDefault("upstream.retry.multiplier", rp.Multiplier)
	v.SetDefault("upstream.retry.max_interval", rp.MaxInterval)
	v.SetDefault("upstream.static_token", "")
	v.SetDefault("upstream.token_secret", "")
	v.SetDefault("upstream.token_issuer", "marketgw")
	v.SetDefault("upstream.token_subject", "marketgw")
	v.SetDefault("upstream.token_lifetime", 15*time.Minute)

	bc := resilience.DefaultBreakerConfig("")
	v.SetDefault("breaker.failure_threshold", bc.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", bc.ResetTimeout)
	v.SetDefault("breaker.monitoring_window", bc.MonitoringWindow)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default.route", ratelimit.DefaultRule.Route)
	v.SetDefault("rate_limit.default.limit", ratelimit.DefaultRule.Limit)
	v.SetDefault("rate_limit.default.window", ratelimit.DefaultRule.Window)
	v.SetDefault("rate_limit.default.enabled", ratelimit.DefaultRule.Enabled)
	v.SetDefault("rate_limit.rules_file", "")
	v.SetDefault("rate_limit.whitelist", []string{})

	ac := analytics.DefaultConfig()
	v.SetDefault("market.symbols", symbols.DefaultSymbols)
	v.SetDefault("market.broadcast_interval", broadcast.DefaultInterval)
	v.SetDefault("market.analytics.orderbook_ttl", ac.OrderBookTTL)
	v.SetDefault("market.analytics.depth_chart_ttl", ac.DepthChartTTL)
	v.SetDefault("market.analytics.ticker_ttl", ac.TickerTTL)
	v.SetDefault("market.analytics.statistics_ttl", ac.StatisticsTTL)
	v.SetDefault("market.analytics.indicator_ttl", ac.IndicatorTTL)
	v.SetDefault("market.analytics.default_depth", ac.DefaultDepth)
	v.SetDefault("market.analytics.max_depth", ac.MaxDepth)
	v.SetDefault("market.analytics.max_tickers", ac.MaxTickers)
	v.SetDefault("market.analytics.max_period", ac.MaxPeriod)
	v.SetDefault("market.analytics.trade_history_limit", ac.TradeHistoryLimit)

	wc := ws.DefaultConfig()
	v.SetDefault("websocket.write_wait", wc.WriteWait)
	v.SetDefault("websocket.pong_wait", wc.PongWait)
	v.SetDefault("websocket.ping_period", wc.PingPeriod)
	v.SetDefault("websocket.max_message_size", wc.MaxMessageSize)
	v.SetDefault("websocket.send_buffer", wc.SendBuffer)
	v.SetDefault("websocket.message_rate", wc.MessageRate)
	v.SetDefault("websocket.message_burst", wc.MessageBurst)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_token", "")
	v.SetDefault("auth.user_id_claim", "sub")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "marketgw")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535"))
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url must be an absolute URL"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout must be positive"))
	}
	if c.Upstream.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upstream.retry.max_attempts must be at least 1"))
	}
	breaker := c.Breaker
	breaker.Name = "config"
	if err := breaker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Default.Limit < 1 || c.RateLimit.Default.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.default needs a positive limit and window"))
	}
	if len(c.Market.Symbols) == 0 {
		errs = append(errs, fmt.Errorf("market.symbols must not be empty"))
	}
	a := c.Market.Analytics
	if a.MaxDepth < 1 || a.DefaultDepth < 1 || a.DefaultDepth > a.MaxDepth {
		errs = append(errs, fmt.Errorf("market.analytics depth bounds are inconsistent"))
	}
	return errors.Join(errs...)
}
