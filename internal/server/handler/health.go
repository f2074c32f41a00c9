package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const checkTimeout = 2 * time.Second

// HealthChecker reports whether the ledger accepts mutations.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Check reports whether one backend is reachable.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checker  HealthChecker
	backends []namedCheck
	logger   *slog.Logger
}

func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger}
}

// WithCheck adds a backend check reported under name.
func (h *HealthHandler) WithCheck(name string, c Check) *HealthHandler {
	h.backends = append(h.backends, namedCheck{name: name, check: c})
	return h
}

// HealthCheck reports ok, or 503 once the ledger is degraded or a backend
// check fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	checks := make(map[string]string, len(h.backends)+1)

	check := func(name string, fn Check) {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := fn(pctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health check failing",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			return
		}
		checks[name] = "ok"
	}
	check("ledger", h.checker.Health)
	for _, b := range h.backends {
		check(b.name, b.check)
	}

	body := map[string]any{
		"status":    "ok",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
