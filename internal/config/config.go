// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coveragecheck/trust-api/internal/abuse"
	"github.com/coveragecheck/trust-api/internal/backend"
	"github.com/coveragecheck/trust-api/internal/store"
	"github.com/coveragecheck/trust-api/internal/trust"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Backend   BackendConfig   `yaml:"backend" mapstructure:"backend"`
	Challenge ChallengeConfig `yaml:"challenge" mapstructure:"challenge"`
	Trust     TrustConfig     `yaml:"trust" mapstructure:"trust"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. Driver is "postgres" or
// "sqlite", chosen once at startup.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// BackendConfig selects the limiter/cache backend. Mode is "redis" or
// "memory"; memory is single-process and meant for development.
type BackendConfig struct {
	Mode  string              `yaml:"mode" mapstructure:"mode"`
	Redis backend.RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// ChallengeConfig configures the bot-challenge verdict service and the
// gate policy around it.
type ChallengeConfig struct {
	Secret         string        `yaml:"secret" mapstructure:"secret"`
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ScoreThreshold float64       `yaml:"score_threshold" mapstructure:"score_threshold"`
	FailOpen       bool          `yaml:"fail_open" mapstructure:"fail_open"`
}

// Gate returns the abuse gate policy portion.
func (c ChallengeConfig) Gate() abuse.Config {
	return abuse.Config{ScoreThreshold: c.ScoreThreshold, FailOpen: c.FailOpen}
}

// TrustConfig tunes the scoring pipeline.
type TrustConfig struct {
	// CacheTTL bounds staleness of cached aggregate reads.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	// SybilLookback is the duplicate-submission window.
	SybilLookback time.Duration `yaml:"sybil_lookback" mapstructure:"sybil_lookback"`
	// Sweeper tunes the decay sweep.
	Sweeper trust.SweeperConfig `yaml:"sweeper" mapstructure:"sweeper"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRUST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("backend.mode", "memory")
	v.SetDefault("backend.redis.addr", "localhost:6379")
	v.SetDefault("backend.redis.call_timeout", "2s")
	v.SetDefault("challenge.base_url", "https://challenges.cloudflare.com")
	v.SetDefault("challenge.timeout", "3s")
	v.SetDefault("challenge.score_threshold", 0.5)
	v.SetDefault("challenge.fail_open", true)
	v.SetDefault("trust.cache_ttl", "300s")
	v.SetDefault("trust.sybil_lookback", "720h")
	v.SetDefault("trust.sweeper.batch_size", 200)
	v.SetDefault("trust.sweeper.rate_per_second", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the loaded configuration for a runnable service. It
// collects every problem rather than stopping at the first.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch c.Backend.Mode {
	case "memory":
	case "redis":
		if c.Backend.Redis.Addr == "" {
			problems = append(problems, "backend.redis.addr is required in redis mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("backend.mode must be redis or memory, got %q", c.Backend.Mode))
	}

	if c.Challenge.ScoreThreshold < 0 || c.Challenge.ScoreThreshold > 1 {
		problems = append(problems, "challenge.score_threshold must be between 0 and 1")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return eris.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
