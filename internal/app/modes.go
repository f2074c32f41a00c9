package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/alphamarket/internal/market"
	"github.com/alanyoungcy/alphamarket/internal/server"
	"github.com/alanyoungcy/alphamarket/internal/server/handler"
	"github.com/alanyoungcy/alphamarket/internal/server/ws"
	"github.com/alanyoungcy/alphamarket/internal/service"
)

// ServerMode restores the ledger and serves the HTTP API and event stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startServer(ctx, g, deps); err != nil {
		return err
	}
	return wait(g)
}

// ArchiveMode periodically moves events past the retention window to
// object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return err
	}
	return wait(g)
}

// FullMode runs the server and the archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startServer(ctx, g, deps); err != nil {
		return err
	}
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return err
	}
	return wait(g)
}

// VerifyMode rebuilds the ledger from the journal and checks that escrow
// matches the pending purchases and the treasury's escrow account.
func (a *App) VerifyMode(ctx context.Context, deps *Dependencies) error {
	svc, err := a.newMarketService(deps, nil)
	if err != nil {
		return err
	}
	n, err := svc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("verify: restore: %w", err)
	}
	sum, err := svc.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	a.logger.InfoContext(ctx, "verify: ledger consistent",
		slog.Int("journal_entries", n),
		slog.Uint64("event_seq", sum.Seq),
		slog.String("escrow", sum.Escrow.Dec()),
	)
	return nil
}

// newMarketService builds the ledger service over deps. publisher may be
// nil.
func (a *App) newMarketService(deps *Dependencies, publisher service.EventPublisher) (*service.MarketService, error) {
	reg, err := market.NewTournamentRegistry(a.cfg.Ledger.TournamentList())
	if err != nil {
		return nil, fmt.Errorf("app: tournaments: %w", err)
	}
	d := service.Deps{
		Tournaments: reg,
		Licenses:    a.cfg.Ledger.Licenses,
		Treasury:    deps.Treasury,
		Journal:     deps.Journal,
		Publisher:   publisher,
		Locks:       deps.Locks,
		LockTTL:     a.cfg.Ledger.LockTTL.Duration,
		Notifier:    deps.Notifier,
		Logger:      a.logger,
	}
	if deps.Events != nil {
		d.Events = deps.Events
	}
	return service.NewMarketService(d), nil
}

// startServer restores the ledger and adds the HTTP server and websocket
// hub to g.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})

	// With a bus every node's hub hears every node's events; without one
	// the hub is fed directly.
	var publisher service.EventPublisher = hub
	if deps.EventBus != nil {
		publisher = deps.EventBus
	}
	svc, err := a.newMarketService(deps, publisher)
	if err != nil {
		return err
	}
	replayed, err := svc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore ledger: %w", err)
	}
	a.logger.InfoContext(ctx, "ledger restored", slog.Int("journal_entries", replayed))
	hub.WithSource(svc)

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false; ledger is restored but not served")
		return nil
	}

	health := handler.NewHealthHandler(svc, a.logger)
	for name, check := range deps.HealthChecks {
		health.WithCheck(name, check)
	}

	handlers := server.Handlers{
		Health: health,
		Market: handler.NewMarketHandler(svc, a.logger),
		Ledger: handler.NewLedgerHandler(svc, a.logger),
		Admin:  handler.NewAdminHandler(svc, a.logger),
	}
	if deps.Archiver != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		OperatorSecret:     a.cfg.Server.OperatorSecret,
		SignatureMaxSkew:   a.cfg.Server.SignatureMaxSkew.Duration,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, server.Guards{
		Nonces:  deps.Nonces,
		Limiter: deps.RateLimiter,
	}, hub, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// startArchiver adds the archive loop to g. It archives once at start and
// then every archive.interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archiver requires postgres and s3")
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration

	run := func() {
		cutoff := time.Now().Add(-retention)
		n, err := deps.Archiver.ArchiveEvents(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive: run failed",
				slog.Time("before", cutoff),
				slog.Int64("archived", n),
				slog.String("error", err.Error()),
			)
			if deps.Notifier.Enabled() {
				_ = deps.Notifier.Alert(ctx, "Event archive failed", err.Error())
			}
			return
		}
		a.logger.InfoContext(ctx, "archive: run complete",
			slog.Time("before", cutoff),
			slog.Int64("archived", n),
		)
	}

	g.Go(func() error {
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				run()
			}
		}
	})
	return nil
}

// wait treats cancellation as a clean shutdown.
func wait(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
