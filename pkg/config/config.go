// pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cmatc13/homeserver/pkg/errors"
)

// Config holds all configuration for the homeserver.
//
// Sources, lowest to highest precedence: defaults, config file, .env file,
// HOMESERVER_* environment variables, bound command-line flags.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Updates  UpdatesConfig  `mapstructure:"updates"`
	Presence PresenceConfig `mapstructure:"presence"`
	Resolver ResolverConfig `mapstructure:"resolver"`
}

// ServerConfig holds listener and server-wide settings
type ServerConfig struct {
	Name                  string        `mapstructure:"name"`
	Address               string        `mapstructure:"address"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	ClientShutdownTimeout time.Duration `mapstructure:"client_shutdown_timeout"`
	AllowLocalPresence    bool          `mapstructure:"allow_local_presence"`
	AllowCheckForUpdates  bool          `mapstructure:"allow_check_for_updates"`
	CORSAllowedOrigins    []string      `mapstructure:"cors_allowed_origins"`
	// RateLimit is the number of requests per minute allowed per client IP.
	// Zero disables rate limiting.
	RateLimit      int    `mapstructure:"rate_limit"`
	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DatabaseConfig selects and tunes the storage backend
type DatabaseConfig struct {
	// Backend is "memory" or "redis"
	Backend        string        `mapstructure:"backend"`
	ReadOnly       bool          `mapstructure:"read_only"`
	Namespace      string        `mapstructure:"namespace"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	MaxReconnect   time.Duration `mapstructure:"max_reconnect"`
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka-related configuration. Empty Brokers disables
// the Kafka producer.
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// UpdatesConfig configures the update checker
type UpdatesConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

// PresenceConfig configures presence expiry
type PresenceConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ResolverConfig configures the destination cache
type ResolverConfig struct {
	CacheSize int64         `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// EnvPrefix is the prefix for environment overrides, e.g. HOMESERVER_SERVER_ADDRESS.
const EnvPrefix = "HOMESERVER"

// LoadOptions controls where configuration is read from
type LoadOptions struct {
	// ConfigFile is an optional YAML, TOML or JSON file.
	ConfigFile string
	// EnvFile is an optional dotenv file. A missing file is not an error.
	EnvFile string
	// EnvPrefix overrides the environment variable prefix.
	EnvPrefix string
	// Flags are bound over every other source when set.
	Flags *pflag.FlagSet
}

// DefaultLoadOptions returns options that read .env and HOMESERVER_* variables.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		EnvFile:   ".env",
		EnvPrefix: EnvPrefix,
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"address":   "server.address",
	"log-level": "log.level",
	"backend":   "database.backend",
	"read-only": "database.read_only",
}

// defaults holds every known key. Viper only resolves environment overrides
// for keys it has seen, so each field needs an entry here.
var defaults = map[string]any{
	"server.name":                    "localhost",
	"server.address":                 ":8008",
	"server.read_timeout":            30 * time.Second,
	"server.write_timeout":           30 * time.Second,
	"server.idle_timeout":            120 * time.Second,
	"server.client_shutdown_timeout": 10 * time.Second,
	"server.allow_local_presence":    true,
	"server.allow_check_for_updates": false,
	"server.cors_allowed_origins":    []string{"*"},
	"server.rate_limit":              0,
	"server.admin_jwt_secret":        "",

	"log.level":        "info",
	"log.service_name": "homeserver",
	"log.environment":  "development",

	"metrics.enabled":   true,
	"metrics.namespace": "homeserver",

	"database.backend":         "memory",
	"database.read_only":       false,
	"database.namespace":       "homeserver",
	"database.query_timeout":   5 * time.Second,
	"database.health_interval": 30 * time.Second,
	"database.max_reconnect":   30 * time.Second,

	"redis.address":  "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"kafka.brokers": "",
	"kafka.topic":   "homeserver.federation.outgoing",

	"updates.url":      "https://updates.example.org/check-for-updates/stable",
	"updates.interval": 2 * time.Hour,

	"presence.idle_timeout":   5 * time.Minute,
	"presence.sweep_interval": time.Minute,

	"resolver.cache_size": 10000,
	"resolver.cache_ttl":  time.Hour,
}

// Load loads configuration with DefaultLoadOptions.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads and validates configuration from every source in opts.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone, ignoring
// the environment. Intended for tests and tooling.
func Default() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Validate checks for values no component can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Name) == "" {
		return errors.ConfigErrorf("server.name", "server.name must not be empty")
	}
	switch c.Database.Backend {
	case "memory", "redis":
	default:
		return errors.ConfigErrorf("database.backend",
			"unknown database.backend %q (want memory or redis)", c.Database.Backend)
	}

	positive := []struct {
		key   string
		value time.Duration
	}{
		{"server.client_shutdown_timeout", c.Server.ClientShutdownTimeout},
		{"database.query_timeout", c.Database.QueryTimeout},
		{"database.health_interval", c.Database.HealthInterval},
		{"updates.interval", c.Updates.Interval},
		{"presence.sweep_interval", c.Presence.SweepInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.ConfigErrorf(p.key, "%s must be positive, got %s", p.key, p.value)
		}
	}
	if c.Server.RateLimit < 0 {
		return errors.ConfigErrorf("server.rate_limit", "server.rate_limit must not be negative")
	}
	return nil
}
