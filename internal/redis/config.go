package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis configuration
type Config struct {
	// Connection settings
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`

	// Pool settings
	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" json:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout" yaml:"pool_timeout" json:"pool_timeout"`

	// Operational settings
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff" yaml:"min_retry_backoff" json:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff" json:"max_retry_backoff"`

	// Timeout settings
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`

	// Sentinel settings (for high availability)
	EnableSentinel bool     `mapstructure:"enable_sentinel" yaml:"enable_sentinel" json:"enable_sentinel"`
	SentinelAddrs  []string `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs" json:"sentinel_addrs"`
	MasterName     string   `mapstructure:"master_name" yaml:"master_name" json:"master_name"`
}

// DefaultConfig returns default Redis configuration for the gateway's
// cache, limiter and whitelist traffic.
func DefaultConfig() *Config {
	return &Config{
		Addr: "localhost:6379",

		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
		PoolTimeout:     4 * time.Second,

		MaxRetries:      2,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// Client wraps Redis client with additional functionality
type Client struct {
	rdb    redis.UniversalClient
	config *Config
	logger *zap.SugaredLogger
}

// NewClient creates a new Redis client with the given configuration.
// A failed ping is logged but not fatal: every caller guards the store with
// a breaker and degrades without it.
func NewClient(config *Config, logger *zap.SugaredLogger) *Client {
	var rdb redis.UniversalClient

	if config.EnableSentinel {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    config.MasterName,
			SentinelAddrs: config.SentinelAddrs,
			Password:      config.Password,
			DB:            config.DB,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	}

	client := &Client{rdb: rdb, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		logger.Warnw("Redis not reachable at startup", "addr", config.Addr, "error", err)
	} else {
		logger.Infow("Redis client connected",
			"addr", config.Addr,
			"db", config.DB,
			"pool_size", config.PoolSize,
			"sentinel_mode", config.EnableSentinel,
		)
	}

	return client
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Health checks the health of Redis connection
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
