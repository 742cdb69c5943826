package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds all configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Invalidation InvalidationConfig `mapstructure:"invalidation"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `mapstructure:"port" validate:"gt=0,lte=65535"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RedisConfig holds connection settings for the shared store. The
// dial/read/write timeouts are kept short on purpose: cache and rate
// limiting fail open, and a degraded store must not stall the pipeline.
type RedisConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CacheConfig holds response-cache settings
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	Prefix     string        `mapstructure:"prefix" validate:"required"`
}

// IdempotencyConfig holds idempotency-record settings
type IdempotencyConfig struct {
	TTL    time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Prefix string        `mapstructure:"prefix" validate:"required"`
}

// WindowConfig describes one fixed-window limiter instance
type WindowConfig struct {
	MaxRequests int           `mapstructure:"max_requests" validate:"gt=0"`
	Window      time.Duration `mapstructure:"window" validate:"gt=0"`
	Prefix      string        `mapstructure:"prefix" validate:"required"`
}

// RateLimitConfig holds the general and auth-scoped limiter settings,
// tunable independently of each other.
type RateLimitConfig struct {
	General WindowConfig `mapstructure:"general"`
	Auth    WindowConfig `mapstructure:"auth"`
}

// InvalidationConfig maps a written resource to the cache-key globs that
// must be evicted after a successful write to it.
type InvalidationConfig struct {
	Rules map[string][]string `mapstructure:"rules"`
}

// Load reads configuration from config files and the environment. It
// returns a fully validated Config value; callers own the result, there
// is no package-level configuration state.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Invalidation rules arrive as a loose settings map when overridden
	// from a file; decode them explicitly so bad shapes fail at startup.
	if raw := v.Get("invalidation.rules"); raw != nil {
		rules := make(map[string][]string)
		if err := mapstructure.Decode(raw, &rules); err != nil {
			return nil, fmt.Errorf("failed to decode invalidation rules: %w", err)
		}
		cfg.Invalidation.Rules = rules
	}
	if cfg.Invalidation.Rules == nil {
		cfg.Invalidation.Rules = DefaultInvalidationRules()
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")

	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.prefix", "responses")

	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.prefix", "idempotency")

	v.SetDefault("rate_limit.general.max_requests", 100)
	v.SetDefault("rate_limit.general.window", "15m")
	v.SetDefault("rate_limit.general.prefix", "ratelimit")

	v.SetDefault("rate_limit.auth.max_requests", 10)
	v.SetDefault("rate_limit.auth.window", "5m")
	v.SetDefault("rate_limit.auth.prefix", "ratelimit:auth")
}

// DefaultInvalidationRules returns the write-path eviction table used
// when no override is configured. A write to the named resource evicts
// every cached read whose key matches one of the globs, scoped to the
// writing user.
func DefaultInvalidationRules() map[string][]string {
	return map[string][]string{
		"subjects": {"*subjects*", "*events*", "*spotlight*"},
		"sections": {"*sections*", "*events*"},
		"events":   {"*events*"},
		"import":   {"*subjects*", "*sections*", "*events*", "*spotlight*"},
		"sync":     {"*events*"},
	}
}

// Addr returns the host:port pair for the redis connection.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
