// Package server exposes the ledger over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/server/handler"
	"github.com/alanyoungcy/alphamarket/internal/server/middleware"
	"github.com/alanyoungcy/alphamarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port               int
	CORSOrigins        []string
	APIKey             string // if empty, API key authentication is disabled
	OperatorSecret     string // if empty, operator endpoints refuse every request
	SignatureMaxSkew   time.Duration
	RateLimitPerMinute int // 0 disables rate limiting
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Market *handler.MarketHandler
	Ledger *handler.LedgerHandler
	Admin  *handler.AdminHandler
	// Archive is nil when no blob store is configured.
	Archive *handler.ArchiveHandler
}

// Guards are the shared stores behind request authentication. Nil fields
// fall back to per-process memory.
type Guards struct {
	Nonces  domain.NonceStore
	Limiter domain.RateLimiter
}

// Server is the ledger's HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. Mutations require a participant signature, admin routes an
// operator HMAC.
func NewServer(cfg Config, handlers Handlers, guards Guards, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, handlers, guards, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the complete HTTP handler.
func Routes(cfg Config, handlers Handlers, guards Guards, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Queries.
	mux.HandleFunc("GET /api/tournaments", handlers.Market.ListTournaments)
	mux.HandleFunc("GET /api/tournaments/{id}", handlers.Market.GetTournament)
	mux.HandleFunc("GET /api/models/{id}", handlers.Market.GetModel)
	mux.HandleFunc("GET /api/predictions/{model}/{slot}", handlers.Market.GetPrediction)
	mux.HandleFunc("GET /api/purchases/{model}/{slot}/{purchaser}", handlers.Market.GetPurchase)
	mux.HandleFunc("GET /api/keys/{owner}/{tournament}/{slot}", handlers.Market.GetPredictionKey)
	mux.HandleFunc("GET /api/keys/{owner}/{tournament}/{slot}/received/{receiver}", handlers.Market.GetDelivery)
	mux.HandleFunc("GET /api/public-keys/{owner}", handlers.Market.GetPublicKey)
	mux.HandleFunc("GET /api/escrow", handlers.Market.GetEscrow)
	mux.HandleFunc("GET /api/events", handlers.Market.ListEvents)
	mux.HandleFunc("GET /api/balances/{account}", handlers.Market.GetBalance)

	// Signed mutations.
	nonces := guards.Nonces
	if nonces == nil {
		nonces = middleware.NewMemoryNonceStore()
	}
	signed := middleware.Signature(middleware.SignatureConfig{
		MaxSkew: cfg.SignatureMaxSkew,
		Nonces:  nonces,
		Logger:  logger,
	})
	mutations := []struct {
		pattern string
		fn      http.HandlerFunc
	}{
		{"POST /api/models", handlers.Ledger.CreateModels},
		{"POST /api/predictions", handlers.Ledger.CreatePredictions},
		{"POST /api/predictions/publish", handlers.Ledger.PublishPredictions},
		{"POST /api/purchases", handlers.Ledger.CreatePurchases},
		{"POST /api/purchases/ship", handlers.Ledger.ShipPurchases},
		{"POST /api/purchases/refund", handlers.Ledger.RefundPurchases},
		{"POST /api/keys/publish", handlers.Ledger.PublishPredictionKey},
		{"POST /api/keys/send", handlers.Ledger.SendPredictionKeys},
		{"PUT /api/public-key", handlers.Ledger.ChangePublicKey},
	}
	for _, m := range mutations {
		mux.Handle(m.pattern, signed(m.fn))
	}

	// Operator.
	operator := middleware.Operator(crypto.OperatorAuth{Secret: cfg.OperatorSecret}, cfg.SignatureMaxSkew, nil)
	mux.Handle("POST /api/admin/credit", operator(http.HandlerFunc(handlers.Admin.Credit)))

	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive", handlers.Archive.ListBatches)
		mux.HandleFunc("GET /api/archive/events", handlers.Archive.GetBatch)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if cfg.RateLimitPerMinute > 0 {
		limiter := guards.Limiter
		if limiter == nil {
			limiter = middleware.NewMemoryRateLimiter()
		}
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
