// Package config defines the configuration for the alphamarket daemon and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ALPHAMARKET_* environment
// variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the marketplace rules.
type LedgerConfig struct {
	Licenses    []string           `toml:"licenses"`
	Tournaments []TournamentConfig `toml:"tournaments"`
	// LockTTL bounds how long one node may hold the cluster-wide
	// sequencing lock for a single call.
	LockTTL duration `toml:"lock_ttl"`
}

// TournamentConfig is one [[ledger.tournaments]] entry. ExecutionStartAt
// is the offset into the UTC day, e.g. "30m".
type TournamentConfig struct {
	ID                       string   `toml:"id"`
	ExecutionStartAt         duration `toml:"execution_start_at"`
	PredictionTime           duration `toml:"prediction_time"`
	PurchaseTime             duration `toml:"purchase_time"`
	ShippingTime             duration `toml:"shipping_time"`
	ExecutionPreparationTime duration `toml:"execution_preparation_time"`
	ExecutionTime            duration `toml:"execution_time"`
	PublicationTime          duration `toml:"publication_time"`
	Description              string   `toml:"description"`
}

// Tournament converts the entry into its ledger form.
func (t TournamentConfig) Tournament() domain.Tournament {
	sec := func(d duration) int64 { return int64(d.Duration / time.Second) }
	return domain.Tournament{
		ID:                       t.ID,
		ExecutionStartAt:         sec(t.ExecutionStartAt),
		PredictionTime:           sec(t.PredictionTime),
		PurchaseTime:             sec(t.PurchaseTime),
		ShippingTime:             sec(t.ShippingTime),
		ExecutionPreparationTime: sec(t.ExecutionPreparationTime),
		ExecutionTime:            sec(t.ExecutionTime),
		PublicationTime:          sec(t.PublicationTime),
		Description:              t.Description,
	}
}

// TournamentList returns every configured tournament in ledger form.
func (c LedgerConfig) TournamentList() []domain.Tournament {
	out := make([]domain.Tournament, 0, len(c.Tournaments))
	for _, t := range c.Tournaments {
		out = append(out, t.Tournament())
	}
	return out
}

// PostgresConfig holds PostgreSQL connection parameters. The journal,
// event log and account balances live here.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving old events to object storage.
type ArchiveConfig struct {
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey gates the whole API when set.
	APIKey string `toml:"api_key"`
	// OperatorSecret signs operator requests (account credits). Operator
	// routes are disabled when empty.
	OperatorSecret string `toml:"operator_secret"`
	// SignatureMaxSkew is how far a signed request's timestamp may drift
	// from the server clock.
	SignatureMaxSkew   duration `toml:"signature_max_skew"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Licenses: []string{"CC0-1.0"},
			LockTTL:  duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "alphamarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "alphamarket-events",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			SignatureMaxSkew:   duration{2 * time.Minute},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{string(domain.EventPurchaseRefunded)},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"full":    true,
	"verify":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, full, verify)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if len(c.Ledger.Licenses) == 0 {
		errs = append(errs, "ledger: at least one license must be allowed")
	}
	if len(c.Ledger.Tournaments) == 0 {
		errs = append(errs, "ledger: at least one [[ledger.tournaments]] entry is required")
	}
	seen := make(map[string]bool, len(c.Ledger.Tournaments))
	for i, t := range c.Ledger.Tournaments {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("ledger: tournament %d: id must not be empty", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("ledger: tournament %q: duplicate id", t.ID))
		}
		seen[t.ID] = true
		for name, d := range map[string]duration{
			"execution_start_at":         t.ExecutionStartAt,
			"prediction_time":            t.PredictionTime,
			"purchase_time":              t.PurchaseTime,
			"shipping_time":              t.ShippingTime,
			"execution_preparation_time": t.ExecutionPreparationTime,
			"execution_time":             t.ExecutionTime,
			"publication_time":           t.PublicationTime,
		} {
			if d.Duration < 0 {
				errs = append(errs, fmt.Sprintf("ledger: tournament %q: %s must not be negative", t.ID, name))
			}
		}
		if t.ExecutionStartAt.Duration >= 24*time.Hour {
			errs = append(errs, fmt.Sprintf("ledger: tournament %q: execution_start_at must be within a day", t.ID))
		}
	}
	if c.Ledger.LockTTL.Duration <= 0 {
		errs = append(errs, "ledger: lock_ttl must be > 0")
	}

	// Postgres
	needsPostgres := mode == "archive" || mode == "verify"
	if needsPostgres && !c.Postgres.Enabled {
		errs = append(errs, "postgres: must be enabled for mode "+c.Mode)
	}
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 and archive
	if mode == "archive" || mode == "full" {
		if !c.S3.Enabled {
			errs = append(errs, "s3: must be enabled for mode "+c.Mode)
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SignatureMaxSkew.Duration <= 0 {
			errs = append(errs, "server: signature_max_skew must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
