package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ALPHAMARKET_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from ALPHAMARKET_* variables
// that are set and non-empty. Tournaments are file-only.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStringSlice(&cfg.Ledger.Licenses, "ALPHAMARKET_LEDGER_LICENSES")
	setDuration(&cfg.Ledger.LockTTL, "ALPHAMARKET_LEDGER_LOCK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ALPHAMARKET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ALPHAMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ALPHAMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ALPHAMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ALPHAMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ALPHAMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ALPHAMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ALPHAMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ALPHAMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ALPHAMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ALPHAMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ALPHAMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ALPHAMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALPHAMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALPHAMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALPHAMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ALPHAMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ALPHAMARKET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALPHAMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALPHAMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALPHAMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALPHAMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALPHAMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALPHAMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ALPHAMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ALPHAMARKET_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "ALPHAMARKET_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ALPHAMARKET_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALPHAMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ALPHAMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ALPHAMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ALPHAMARKET_SERVER_API_KEY")
	setStr(&cfg.Server.OperatorSecret, "ALPHAMARKET_SERVER_OPERATOR_SECRET")
	setDuration(&cfg.Server.SignatureMaxSkew, "ALPHAMARKET_SERVER_SIGNATURE_MAX_SKEW")
	setInt(&cfg.Server.RateLimitPerMinute, "ALPHAMARKET_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALPHAMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALPHAMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALPHAMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALPHAMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ALPHAMARKET_MODE")
	setStr(&cfg.LogLevel, "ALPHAMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
