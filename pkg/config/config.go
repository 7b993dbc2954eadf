// Package config loads the service configuration.
//
// Values are layered: DefaultConfig, then an optional YAML file, then
// environment variables named <PREFIX>_<SECTION>_<FIELD> (for example
// ODATA_BATCH_SERVER_ADDR or ODATA_BATCH_REDIS_RESULT_TTL).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/logging"
	"github.com/Sternrassler/odata-batch/pkg/store"
	"github.com/Sternrassler/odata-batch/pkg/upstream"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Batch    BatchConfig    `yaml:"batch" env:"BATCH"`
	Upstream UpstreamConfig `yaml:"upstream" env:"UPSTREAM"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	BatchPath       string        `yaml:"batch_path" env:"BATCH_PATH"`
	MonitorPath     string        `yaml:"monitor_path" env:"MONITOR_PATH"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// MaxBodyBytes limits the size of a batch payload.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	// MaxRequests limits the number of sub-requests per batch; 0 disables
	// the limit.
	MaxRequests int `yaml:"max_requests" env:"MAX_REQUESTS"`
}

// BatchConfig configures the scheduler.
type BatchConfig struct {
	MaxConcurrency  int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	MaxGroupRepeats int `yaml:"max_group_repeats" env:"MAX_GROUP_REPEATS"`
}

// UpstreamConfig configures the forwarding handler.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	UserAgent      string        `yaml:"user_agent" env:"USER_AGENT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// RedisConfig configures the asynchronous result store. An empty Addr
// disables respond-async.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	ResultTTL time.Duration `yaml:"result_ttl" env:"RESULT_TTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	bc := batch.DefaultConfig()
	rc := upstream.DefaultRetryConfig()
	uc := upstream.DefaultConfig("")

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BatchPath:       "/$batch",
			MonitorPath:     "/$batch-monitor/",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    10 << 20,
			MaxRequests:     1000,
		},
		Batch: BatchConfig{
			MaxConcurrency:  bc.MaxConcurrency,
			MaxGroupRepeats: bc.MaxGroupRepeats,
		},
		Upstream: UpstreamConfig{
			Timeout:        uc.Timeout,
			UserAgent:      uc.UserAgent,
			MaxAttempts:    rc.MaxAttempts,
			InitialBackoff: rc.InitialBackoff,
			MaxBackoff:     rc.MaxBackoff,
		},
		Redis: RedisConfig{
			ResultTTL: store.DefaultTTL,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BatchPath, "/") {
		return fmt.Errorf("server.batch_path must start with / (got %q)", c.Server.BatchPath)
	}
	if !strings.HasPrefix(c.Server.MonitorPath, "/") || !strings.HasSuffix(c.Server.MonitorPath, "/") {
		return fmt.Errorf("server.monitor_path must start and end with / (got %q)", c.Server.MonitorPath)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive (got %d)", c.Server.MaxBodyBytes)
	}
	if c.Server.MaxRequests < 0 {
		return fmt.Errorf("server.max_requests must be >= 0 (got %d)", c.Server.MaxRequests)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive (got %s)", c.Server.ShutdownTimeout)
	}

	if c.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("batch.max_concurrency must be >= 1 (got %d)", c.Batch.MaxConcurrency)
	}
	if c.Batch.MaxGroupRepeats < 0 {
		return fmt.Errorf("batch.max_group_repeats must be >= 0 (got %d)", c.Batch.MaxGroupRepeats)
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive (got %s)", c.Upstream.Timeout)
	}
	if err := c.Upstream.Client().Retry.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0 (got %d)", c.Redis.DB)
	}
	if c.Redis.ResultTTL <= 0 {
		return fmt.Errorf("redis.result_ttl must be positive (got %s)", c.Redis.ResultTTL)
	}

	if !logging.ValidLevel(logging.LogLevel(c.Log.Level)) {
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level)
	}
	return nil
}

// Processor converts the section to a batch processor configuration.
func (c BatchConfig) Processor() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxConcurrency = c.MaxConcurrency
	cfg.MaxGroupRepeats = c.MaxGroupRepeats
	return cfg
}

// Client converts the section to an upstream client configuration.
func (c UpstreamConfig) Client() upstream.Config {
	cfg := upstream.DefaultConfig(c.BaseURL)
	cfg.Timeout = c.Timeout
	cfg.UserAgent = c.UserAgent
	cfg.Retry.MaxAttempts = c.MaxAttempts
	cfg.Retry.InitialBackoff = c.InitialBackoff
	cfg.Retry.MaxBackoff = c.MaxBackoff
	return cfg
}

// Logging converts the section to a logger configuration.
func (c LogConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Level)
	cfg.Pretty = c.Pretty
	return cfg
}
