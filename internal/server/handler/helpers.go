package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/server/middleware"
)

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorResponse is the body of a rejected ledger call. Error is the reason
// tag; Index is set when a batch item caused the rejection.
type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
	Index *int             `json:"index,omitempty"`
}

// writeLedgerError maps a service error onto a status code. Rejections
// carry their reason tag; anything else is logged and hidden behind a 500.
func writeLedgerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	if errors.Is(err, domain.ErrDegraded) {
		writeError(w, http.StatusServiceUnavailable, domain.ErrDegraded.Error())
		return
	}
	rej, ok := domain.AsRejection(err)
	if !ok {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
		return
	}

	resp := errorResponse{Error: rej.Reason, Kind: rej.Kind}
	var be *domain.BatchError
	if errors.As(err, &be) {
		resp.Index = &be.Index
	}
	writeJSON(w, rejectionStatus(rej), resp)
}

func rejectionStatus(rej *domain.Error) int {
	switch rej.Kind {
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindPhase:
		return http.StatusLocked
	case domain.KindState:
		switch rej {
		case domain.ErrTournamentNotFound, domain.ErrModelNotFound,
			domain.ErrPredictionNotFound, domain.ErrPurchaseNotFound:
			return http.StatusNotFound
		}
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// decodeJSON reads a JSON request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, middleware.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseEventFilter reads event listing parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseEventFilter(r *http.Request) (domain.EventFilter, error) {
	q := r.URL.Query()
	f := domain.EventFilter{
		ListOpts: domain.ListOpts{Limit: 50},
		Name:     domain.EventName(q.Get("name")),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid after: %q", v)
		}
		f.AfterSeq = n
	}
	var err error
	if f.Since, err = queryTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("invalid since: %w", err)
	}
	if f.Until, err = queryTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("invalid until: %w", err)
	}
	return f, nil
}

func queryTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// pathSlot parses a slot timestamp path parameter.
func pathSlot(r *http.Request, name string) (int64, error) {
	return parseSlot(name, r.PathValue(name))
}

func parseSlot(name, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

// pathAddress parses an account path parameter.
func pathAddress(r *http.Request, name string) (common.Address, error) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s: %q", name, v)
	}
	return common.HexToAddress(v), nil
}
