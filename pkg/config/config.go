// Package config loads gateway configuration from environment variables
// and an optional config file via viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/auth"
)

// Config is the full gateway configuration
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server  ServerConfig           `mapstructure:"server"`
	Auth    auth.ServiceConfig     `mapstructure:"auth"`
	Keys    auth.KeyRegistryConfig `mapstructure:"keys"`
	Cache   CacheConfig            `mapstructure:"cache"`
	History HistoryConfig          `mapstructure:"history"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	AllowCredentials bool         `mapstructure:"allow_credentials"`
}

// CacheConfig selects the verification-cache backend. Redis is used when
// an address is set; otherwise an in-process LRU.
type CacheConfig struct {
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	LRUSize       int    `mapstructure:"lru_size"`
}

// HistoryConfig carries the collaborator scheduler toggles. The gateway
// only parses and forwards these; the history subsystem lives outside.
type HistoryConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	RetentionDays           int  `mapstructure:"retention_days"`
	CheckpointHops          int  `mapstructure:"checkpoint_hops"`
	PruneIntervalHours      int  `mapstructure:"prune_interval_hours"`
	CheckpointIntervalHours int  `mapstructure:"checkpoint_interval_hours"`
}

// IsDevelopment reports whether the gateway runs in development mode.
// Development responses may carry failure detail that production strips.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Environment)
	return env == "" || env == "development" || env == "dev" || env == "test"
}

// Load reads configuration from the environment and, when present, the
// named config file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("auth.access_token_ttl", time.Hour)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("cache.key_prefix", "kmesh:")
	v.SetDefault("cache.lru_size", 10000)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.retention_days", 30)
	v.SetDefault("history.checkpoint_hops", 10)
	v.SetDefault("history.prune_interval_hours", 24)
	v.SetDefault("history.checkpoint_interval_hours", 6)

	bindings := map[string]string{
		"environment":                       "NODE_ENV",
		"log_level":                         "LOG_LEVEL",
		"server.listen_address":             "LISTEN_ADDRESS",
		"auth.jwt_secret":                   "JWT_SECRET",
		"auth.admin_token":                  "ADMIN_API_TOKEN",
		"keys.source":                       "API_KEY_REGISTRY",
		"keys.file_path":                    "API_KEY_REGISTRY_PATH",
		"cache.redis_address":               "REDIS_ADDRESS",
		"cache.redis_password":              "REDIS_PASSWORD",
		"history.enabled":                   "HISTORY_ENABLED",
		"history.retention_days":            "HISTORY_RETENTION_DAYS",
		"history.checkpoint_hops":           "HISTORY_CHECKPOINT_HOPS",
		"history.prune_interval_hours":      "HISTORY_PRUNE_INTERVAL_HOURS",
		"history.checkpoint_interval_hours": "HISTORY_CHECKPOINT_INTERVAL_HOURS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
