// Package config provides the gateway configuration structures and loader.
// Configuration is explicit: every recognized option has a typed field, and
// unknown fields in the config file are rejected at startup.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration for the gateway process
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Batching       BatchingConfig       `mapstructure:"batching"`
	Cache          CacheConfig          `mapstructure:"cache"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

// ServerConfig holds the listener and admission settings
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MessageQueueSize int           `mapstructure:"message_queue_size"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	HandlerTimeout   time.Duration `mapstructure:"handler_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// AuthConfig holds API key and session settings
type AuthConfig struct {
	Enabled             bool            `mapstructure:"enabled"`
	APIKeys             []string        `mapstructure:"api_keys"`
	SessionDuration     time.Duration   `mapstructure:"session_duration"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
	KeyRotationInterval time.Duration   `mapstructure:"key_rotation_interval"`
	MaxKeyAge           time.Duration   `mapstructure:"max_key_age"`
	MaxKeys             int             `mapstructure:"max_keys"`
}

// RateLimitConfig is a sliding window limit per client
type RateLimitConfig struct {
	WindowMS    time.Duration `mapstructure:"window_ms"`
	MaxRequests int           `mapstructure:"max_requests"`
}

// BatchingConfig holds outbound batching settings
type BatchingConfig struct {
	Enabled      bool                   `mapstructure:"enabled"`
	BatchSize    int                    `mapstructure:"batch_size"`
	BatchTimeout time.Duration          `mapstructure:"batch_timeout"`
	Timeouts     PriorityTimeouts       `mapstructure:"timeouts"`
	Compression  BatchCompressionConfig `mapstructure:"compression"`
	Analytics    AnalyticsConfig        `mapstructure:"analytics"`
}

// PriorityTimeouts are the per-priority flush delays
type PriorityTimeouts struct {
	High   time.Duration `mapstructure:"high"`
	Medium time.Duration `mapstructure:"medium"`
	Low    time.Duration `mapstructure:"low"`
}

// BatchCompressionConfig controls compression of flushed batches
type BatchCompressionConfig struct {
	Enabled            bool               `mapstructure:"enabled"`
	MinSize            int                `mapstructure:"min_size"`
	Level              int                `mapstructure:"level"`
	Algorithm          string             `mapstructure:"algorithm"`
	PriorityThresholds PriorityThresholds `mapstructure:"priority_thresholds"`
}

// PriorityThresholds are per-priority byte thresholds for batch compression
type PriorityThresholds struct {
	High   int `mapstructure:"high"`
	Medium int `mapstructure:"medium"`
	Low    int `mapstructure:"low"`
}

// AnalyticsConfig controls periodic batching analytics
type AnalyticsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// CacheConfig holds cache TTL, invalidation, memory, and compression settings
type CacheConfig struct {
	TTL              CacheTTLConfig          `mapstructure:"ttl"`
	Invalidation     InvalidationConfig      `mapstructure:"invalidation_strategy"`
	MemoryMonitoring MemoryMonitoringConfig  `mapstructure:"memory_monitoring"`
	HitRatioTracking HitRatioTrackingConfig  `mapstructure:"hit_ratio_tracking"`
	Compression      CacheCompressionConfig  `mapstructure:"compression"`
}

// CacheTTLConfig controls entry expiry
type CacheTTLConfig struct {
	Enabled      bool                     `mapstructure:"enabled"`
	DefaultTTL   time.Duration            `mapstructure:"default_ttl"`
	PriorityTTLs map[string]time.Duration `mapstructure:"priority_ttls"`
}

// InvalidationConfig controls the periodic invalidation sweep
type InvalidationConfig struct {
	MaxAge         time.Duration `mapstructure:"max_age"`
	MaxSize        int           `mapstructure:"max_size"`
	PriorityLevels []string      `mapstructure:"priority_levels"`
	CheckPeriod    time.Duration `mapstructure:"check_period"`
}

// MemoryMonitoringConfig controls the heap-usage monitor
type MemoryMonitoringConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	CheckIntervalMS    time.Duration `mapstructure:"check_interval_ms"`
	WarningThresholdMB int           `mapstructure:"warning_threshold_mb"`
	MaxMemoryMB        int           `mapstructure:"max_memory_mb"`
}

// HitRatioTrackingConfig controls the sliding hit-ratio window
type HitRatioTrackingConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	WindowSize int  `mapstructure:"window_size"`
}

// CacheCompressionConfig controls compression of stored entries
type CacheCompressionConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	MinSize   int    `mapstructure:"min_size"`
	Level     int    `mapstructure:"level"`
	Algorithm string `mapstructure:"algorithm"`
}

// CircuitBreakerConfig guards outbound/upstream work
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenLimit    int           `mapstructure:"half_open_limit"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the metrics backend
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns the configuration used when no file overrides are present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			MaxConnections:   100,
			MessageQueueSize: 256,
			MaxMessageSize:   1 << 20, // 1MB
			HandlerTimeout:   30 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:         true,
			SessionDuration: time.Hour,
			RateLimit: RateLimitConfig{
				WindowMS:    time.Minute,
				MaxRequests: 100,
			},
			KeyRotationInterval: 24 * time.Hour,
			MaxKeyAge:           30 * 24 * time.Hour,
			MaxKeys:             3,
		},
		Batching: BatchingConfig{
			Enabled:      true,
			BatchSize:    10,
			BatchTimeout: 100 * time.Millisecond,
			Timeouts: PriorityTimeouts{
				High:   50 * time.Millisecond,
				Medium: 100 * time.Millisecond,
				Low:    200 * time.Millisecond,
			},
			Compression: BatchCompressionConfig{
				Enabled:   true,
				MinSize:   1024,
				Level:     6,
				Algorithm: "gzip",
				PriorityThresholds: PriorityThresholds{
					High:   4096,
					Medium: 2048,
					Low:    1024,
				},
			},
			Analytics: AnalyticsConfig{
				Enabled:  true,
				Interval: time.Minute,
			},
		},
		Cache: CacheConfig{
			TTL: CacheTTLConfig{
				Enabled:    true,
				DefaultTTL: 5 * time.Minute,
			},
			Invalidation: InvalidationConfig{
				MaxAge:      30 * time.Minute,
				MaxSize:     10000,
				CheckPeriod: time.Minute,
			},
			MemoryMonitoring: MemoryMonitoringConfig{
				Enabled:            true,
				CheckIntervalMS:    10 * time.Second,
				WarningThresholdMB: 256,
				MaxMemoryMB:        512,
			},
			HitRatioTracking: HitRatioTrackingConfig{
				Enabled:    true,
				WindowSize: 1000,
			},
			Compression: CacheCompressionConfig{
				Enabled:   false,
				MinSize:   1024,
				Level:     6,
				Algorithm: "gzip",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenLimit:    1,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Type: "prometheus", Namespace: "mcp_ble"},
	}
}

// Load reads configuration from the given file path (optional) and the
// MCP_* environment, layered over defaults. Unknown fields in the file are
// a startup error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MCP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := Default()
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("server max_connections must be positive")
	}
	if c.Server.MaxMessageSize <= 0 {
		return errors.New("server max_message_size must be positive")
	}
	if c.Auth.Enabled && c.Auth.SessionDuration <= 0 {
		return errors.New("auth session_duration must be positive")
	}
	if c.Auth.RateLimit.MaxRequests <= 0 || c.Auth.RateLimit.WindowMS <= 0 {
		return errors.New("auth rate_limit window and max_requests must be positive")
	}
	if c.Auth.MaxKeys <= 0 {
		return errors.New("auth max_keys must be positive")
	}
	if c.Batching.Enabled && c.Batching.BatchSize <= 0 {
		return errors.New("batching batch_size must be positive")
	}
	if alg := c.Batching.Compression.Algorithm; alg != "" && alg != "gzip" && alg != "deflate" {
		return errors.Errorf("unsupported batching compression algorithm %q", alg)
	}
	if alg := c.Cache.Compression.Algorithm; alg != "" && alg != "gzip" && alg != "deflate" {
		return errors.Errorf("unsupported cache compression algorithm %q", alg)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return errors.New("circuit_breaker failure_threshold must be positive")
	}
	if c.CircuitBreaker.HalfOpenLimit <= 0 {
		return errors.New("circuit_breaker half_open_limit must be positive")
	}
	return nil
}
