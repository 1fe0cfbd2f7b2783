package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chtemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.EqualValues(t, 10, cfg.Store.Pool.MaxConns)
	assert.Equal(t, "memory", cfg.Backend.Mode)
	assert.Equal(t, "localhost:6379", cfg.Backend.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Backend.Redis.CallTimeout)
	assert.Equal(t, "https://challenges.cloudflare.com", cfg.Challenge.BaseURL)
	assert.InDelta(t, 0.5, cfg.Challenge.ScoreThreshold, 0.001)
	assert.True(t, cfg.Challenge.FailOpen)
	assert.Equal(t, 300*time.Second, cfg.Trust.CacheTTL)
	assert.Equal(t, 720*time.Hour, cfg.Trust.SybilLookback)
	assert.Equal(t, 200, cfg.Trust.Sweeper.BatchSize)
	assert.Equal(t, 50, cfg.Trust.Sweeper.RatePerSecond)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: trust.db
backend:
  mode: redis
log:
  level: debug
  format: console
server:
  port: 9090
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "redis", cfg.Backend.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 300*time.Second, cfg.Trust.CacheTTL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TRUST_STORE_DRIVER", "postgres")
	t.Setenv("TRUST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("TRUST_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func validConfig() *Config {
	return &Config{
		Store:     StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/trust"},
		Backend:   BackendConfig{Mode: "memory"},
		Challenge: ChallengeConfig{ScoreThreshold: 0.5},
		Server:    ServerConfig{Port: 8080},
	}
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Mode = "redis"
	cfg.Backend.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.redis.addr")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DatabaseURL = ""
	cfg.Server.Port = 0
	cfg.Challenge.ScoreThreshold = 1.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "challenge.score_threshold")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
