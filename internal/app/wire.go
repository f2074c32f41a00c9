package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/alphamarket/internal/blob/s3"
	"github.com/alanyoungcy/alphamarket/internal/cache/redis"
	"github.com/alanyoungcy/alphamarket/internal/config"
	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/market"
	"github.com/alanyoungcy/alphamarket/internal/notify"
	"github.com/alanyoungcy/alphamarket/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Optional
// backends are nil when their section is disabled.
type Dependencies struct {
	// Postgres
	Journal  domain.JournalStore
	Events   *postgres.EventStore
	Treasury domain.Treasury

	// Redis
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	Nonces      domain.NonceStore
	EventBus    domain.EventBus

	// S3
	Archiver *s3blob.EventArchiver

	Notifier *notify.Notifier

	// HealthChecks are the backend checks reported by /api/health.
	HealthChecks map[string]func(context.Context) error
}

func needsPostgres(cfg *config.Config) bool {
	switch cfg.Mode {
	case "archive", "verify":
		return true
	}
	return cfg.Postgres.Enabled
}

func needsS3(cfg *config.Config) bool {
	switch cfg.Mode {
	case "archive", "full":
		return true
	}
	return cfg.S3.Enabled
}

// Wire connects every configured backend and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]func(context.Context) error)}

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.FromConfig(cfg.Postgres))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.HealthChecks["postgres"] = pgClient.Ping
		pool := pgClient.Pool()
		deps.Journal = postgres.NewJournalStore(pool)
		deps.Events = postgres.NewEventStore(pool)
		deps.Treasury = postgres.NewAccountStore(pool)
	} else {
		logger.WarnContext(ctx, "wire: postgres disabled, ledger and balances live in memory only")
		deps.Treasury = market.NewMemoryVault()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.FromConfig(cfg.Redis))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.HealthChecks["redis"] = redisClient.Ping
		deps.Locks = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Nonces = redis.NewNonceStore(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
	}

	// --- S3 ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.FromConfig(cfg.S3))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.HealthChecks["s3"] = s3Client.Health
		if deps.Events != nil {
			deps.Archiver = s3blob.NewArchiver(deps.Events, s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
