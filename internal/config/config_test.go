package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

const sample = `
mode = "full"

[ledger]
licenses = ["CC0-1.0", "CC-BY-4.0"]

[[ledger.tournaments]]
id = "crypto_daily"
execution_start_at = "30m"
prediction_time = "8m"
purchase_time = "8m"
shipping_time = "8m"
execution_preparation_time = "6m"
execution_time = "1h"
publication_time = "15m"

[s3]
enabled = true
bucket = "events"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, []string{"CC0-1.0", "CC-BY-4.0"}, cfg.Ledger.Licenses)
	assert.Equal(t, 10*time.Second, cfg.Ledger.LockTTL.Duration)
	assert.Equal(t, 8000, cfg.Server.Port)

	ts := cfg.Ledger.TournamentList()
	require.Len(t, ts, 1)
	assert.Equal(t, domain.Tournament{
		ID:                       "crypto_daily",
		ExecutionStartAt:         1800,
		PredictionTime:           480,
		PurchaseTime:             480,
		ShippingTime:             480,
		ExecutionPreparationTime: 360,
		ExecutionTime:            3600,
		PublicationTime:          900,
	}, ts[0])
}

func TestLoadExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "crypto_daily", cfg.Ledger.Tournaments[0].ID)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ALPHAMARKET_SERVER_PORT", "9100")
	t.Setenv("ALPHAMARKET_LEDGER_LICENSES", "MIT, CC0-1.0 ,")
	t.Setenv("ALPHAMARKET_SERVER_SIGNATURE_MAX_SKEW", "30s")
	t.Setenv("ALPHAMARKET_REDIS_ENABLED", "true")
	t.Setenv("ALPHAMARKET_POSTGRES_POOL_MAX_CONNS", "not-a-number")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"MIT", "CC0-1.0"}, cfg.Ledger.Licenses)
	assert.Equal(t, 30*time.Second, cfg.Server.SignatureMaxSkew.Duration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 10, cfg.Postgres.PoolMaxConns)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Defaults()
		cfg.Ledger.Tournaments = []TournamentConfig{{ID: "t", ExecutionTime: duration{time.Hour}}}
		return cfg
	}
	require.NoError(t, func() error { c := base(); return c.Validate() }())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, `unknown mode "trade"`},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"no tournaments", func(c *Config) { c.Ledger.Tournaments = nil }, "at least one [[ledger.tournaments]]"},
		{"no licenses", func(c *Config) { c.Ledger.Licenses = nil }, "at least one license"},
		{"duplicate", func(c *Config) {
			c.Ledger.Tournaments = append(c.Ledger.Tournaments, TournamentConfig{ID: "t"})
		}, `tournament "t": duplicate id`},
		{"negative", func(c *Config) { c.Ledger.Tournaments[0].PurchaseTime = duration{-time.Second} }, "purchase_time must not be negative"},
		{"anchor", func(c *Config) { c.Ledger.Tournaments[0].ExecutionStartAt = duration{25 * time.Hour} }, "within a day"},
		{"verify needs postgres", func(c *Config) { c.Mode = "verify" }, "postgres: must be enabled"},
		{"archive needs s3", func(c *Config) { c.Mode = "archive"; c.Postgres.Enabled = true }, "s3: must be enabled"},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "server: port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Server.OperatorSecret = "op"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.CORSOrigins = []string{"a"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Server.OperatorSecret)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Empty(t, out.Server.APIKey)

	out.Server.CORSOrigins[0] = "b"
	assert.Equal(t, "a", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "op", cfg.Server.OperatorSecret)
}
