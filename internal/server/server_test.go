package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/market"
	"github.com/alanyoungcy/alphamarket/internal/server/handler"
	"github.com/alanyoungcy/alphamarket/internal/server/middleware"
	"github.com/alanyoungcy/alphamarket/internal/service"
)

const minute = int64(60)

var execAt = (int64(2_000_000_000)/domain.SecondsPerDay)*domain.SecondsPerDay + 30*minute

type env struct {
	t        *testing.T
	h        http.Handler
	wall     *market.ManualClock
	owner    *crypto.Signer
	buyer    *crypto.Signer
	operator crypto.OperatorAuth
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := market.NewTournamentRegistry([]domain.Tournament{{
		ID:                       "crypto_daily",
		ExecutionStartAt:         30 * minute,
		PredictionTime:           8 * minute,
		PurchaseTime:             8 * minute,
		ShippingTime:             8 * minute,
		ExecutionPreparationTime: 6 * minute,
		ExecutionTime:            60 * minute,
		PublicationTime:          15 * minute,
	}})
	require.NoError(t, err)

	wall := market.NewManualClock(time.Unix(execAt-30*minute, 0))
	svc := service.NewMarketService(service.Deps{
		Tournaments: reg,
		Treasury:    market.NewMemoryVault(),
		Clock:       wall,
		Logger:      logger,
	})
	_, err = svc.Restore(context.Background())
	require.NoError(t, err)

	cfg := Config{OperatorSecret: "op-secret", SignatureMaxSkew: time.Minute}
	h := Routes(cfg, Handlers{
		Health: handler.NewHealthHandler(svc, logger),
		Market: handler.NewMarketHandler(svc, logger),
		Ledger: handler.NewLedgerHandler(svc, logger),
		Admin:  handler.NewAdminHandler(svc, logger),
	}, Guards{}, nil, logger)

	e := &env{t: t, h: h, wall: wall, operator: crypto.OperatorAuth{Secret: "op-secret"}}
	e.owner = newSigner(t)
	e.buyer = newSigner(t)
	return e
}

func newSigner(t *testing.T) *crypto.Signer {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(key)
	require.NoError(t, err)
	return s
}

func (e *env) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (e *env) signed(s *crypto.Signer, method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(e.t, err)
	ts := time.Now().Unix()
	sig, err := s.SignRequest(method, path, ts, raw)
	require.NoError(e.t, err)

	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	r.Header.Set(middleware.HeaderAddress, s.Address().Hex())
	r.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(middleware.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, r)
	return rec
}

func (e *env) credit(s *crypto.Signer, amount string) *httptest.ResponseRecorder {
	e.t.Helper()
	raw := []byte(`{"account":"` + s.Address().Hex() + `","amount":"` + amount + `"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/admin/credit", bytes.NewReader(raw))
	for k, v := range e.operator.HeadersAt(http.MethodPost, "/api/admin/credit", raw, time.Now().Unix()) {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, r)
	return rec
}

type eventsBody struct {
	Events []domain.EventRecord `json:"events"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Index *int   `json:"index"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestMarketFlow(t *testing.T) {
	e := newEnv(t)

	rec := e.credit(e.buyer, "100")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.signed(e.owner, http.MethodPost, "/api/models", map[string]any{
		"items": []map[string]any{{"modelId": "model1", "tournamentId": "crypto_daily", "predictionLicense": "CC0-1.0"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[eventsBody](t, rec)
	require.Len(t, created.Events, 1)
	assert.Equal(t, domain.EventModelCreated, created.Events[0].Name)

	rec = e.signed(e.owner, http.MethodPost, "/api/predictions", map[string]any{
		"items": []map[string]any{{"modelId": "model1", "executionStartAt": execAt, "encryptedContent": "0x010203", "price": "7"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	e.wall.SetUnix(execAt - 22*minute)
	rec = e.signed(e.buyer, http.MethodPost, "/api/purchases", map[string]any{
		"value": "7",
		"items": []map[string]any{{"modelId": "model1", "executionStartAt": execAt, "publicKey": "0xaa"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.EventPurchaseCreated, decode[eventsBody](t, rec).Events[0].Name)

	escrow := decode[struct {
		Escrow  *uint256.Int `json:"escrow"`
		Pending *uint256.Int `json:"pending"`
	}](t, e.get("/api/escrow"))
	assert.Equal(t, uint64(7), escrow.Escrow.Uint64())
	assert.Equal(t, uint64(7), escrow.Pending.Uint64())

	purchase := decode[struct {
		Created bool   `json:"created"`
		Status  string `json:"status"`
	}](t, e.get("/api/purchases/model1/"+strconv.FormatInt(execAt, 10)+"/"+e.buyer.Address().Hex()))
	assert.True(t, purchase.Created)
	assert.Equal(t, "pending", purchase.Status)

	balance := decode[struct {
		Balance *uint256.Int `json:"balance"`
	}](t, e.get("/api/balances/"+e.buyer.Address().Hex()))
	assert.Equal(t, uint64(93), balance.Balance.Uint64())

	events := decode[eventsBody](t, e.get("/api/events?after=1"))
	assert.Len(t, events.Events, 3)
	assert.Equal(t, uint64(2), events.Events[0].Seq)
}

func TestRejectionsMapToStatus(t *testing.T) {
	e := newEnv(t)
	rec := e.signed(e.owner, http.MethodPost, "/api/models", map[string]any{
		"items": []map[string]any{{"modelId": "model1", "tournamentId": "crypto_daily", "predictionLicense": "CC0-1.0"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tests := []struct {
		name   string
		signer *crypto.Signer
		path   string
		body   map[string]any
		status int
		reason string
		index  int
	}{
		{
			name:   "duplicate model",
			signer: e.owner,
			path:   "/api/models",
			body: map[string]any{"items": []map[string]any{
				{"modelId": "model2", "tournamentId": "crypto_daily", "predictionLicense": "CC0-1.0"},
				{"modelId": "model1", "tournamentId": "crypto_daily", "predictionLicense": "CC0-1.0"},
			}},
			status: http.StatusConflict,
			reason: domain.ErrModelExists.Reason,
			index:  1,
		},
		{
			name:   "not owner",
			signer: e.buyer,
			path:   "/api/predictions",
			body: map[string]any{"items": []map[string]any{
				{"modelId": "model1", "executionStartAt": execAt, "encryptedContent": "0x01", "price": "1"},
			}},
			status: http.StatusForbidden,
			reason: domain.ErrModelOwnerOnly.Reason,
		},
		{
			name:   "unknown model",
			signer: e.owner,
			path:   "/api/predictions",
			body: map[string]any{"items": []map[string]any{
				{"modelId": "nobody", "executionStartAt": execAt, "encryptedContent": "0x01", "price": "1"},
			}},
			status: http.StatusNotFound,
			reason: domain.ErrModelNotFound.Reason,
		},
		{
			name:   "empty batch",
			signer: e.owner,
			path:   "/api/predictions/publish",
			body:   map[string]any{"items": []any{}},
			status: http.StatusBadRequest,
			reason: domain.ErrEmptyParams.Reason,
		},
		{
			name:   "outside window",
			signer: e.owner,
			path:   "/api/purchases/ship",
			body: map[string]any{"items": []map[string]any{
				{"modelId": "model1", "executionStartAt": execAt, "purchaser": e.buyer.Address().Hex(), "encryptedContentKey": "0x01"},
			}},
			status: http.StatusLocked,
			reason: domain.ErrShipPurchaseForbidden.Reason,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.signed(tt.signer, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.reason, body.Error)
			if body.Index != nil {
				assert.Equal(t, tt.index, *body.Index)
			}
		})
	}
}

func TestMutationsRequireSignature(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/models", bytes.NewReader([]byte(`{"items":[]}`))))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/credit", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueries(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusOK, e.get("/api/health").Code)
	assert.Equal(t, http.StatusNotFound, e.get("/api/models/nobody").Code)
	assert.Equal(t, http.StatusNotFound, e.get("/api/tournaments/nope").Code)
	assert.Equal(t, http.StatusBadRequest, e.get("/api/predictions/model1/abc").Code)
	assert.Equal(t, http.StatusBadRequest, e.get("/api/public-keys/alice").Code)
	assert.Equal(t, http.StatusNotFound, e.get("/api/archive").Code, "archive routes need a blob store")

	view := decode[service.TournamentView](t, e.get("/api/tournaments/crypto_daily?slot="+strconv.FormatInt(execAt, 10)))
	assert.Equal(t, "crypto_daily", view.ID)
	assert.Equal(t, "prediction", view.Phase)

	list := decode[struct {
		Tournaments []domain.Tournament `json:"tournaments"`
	}](t, e.get("/api/tournaments"))
	assert.Len(t, list.Tournaments, 1)

	rec := e.signed(e.buyer, http.MethodPut, "/api/public-key", map[string]any{"publicKey": "0x0102"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	key := decode[domain.PublicKeyRecord](t, e.get("/api/public-keys/"+e.buyer.Address().Hex()))
	assert.Equal(t, []byte{1, 2}, []byte(key.PublicKey))

	genesis := decode[eventsBody](t, e.get("/api/events?name=TournamentCreated"))
	require.Len(t, genesis.Events, 1)
	assert.Equal(t, uint64(1), genesis.Events[0].Seq)
}

type oneBatchArchive struct{}

func (oneBatchArchive) Archived(context.Context) ([]domain.BlobInfo, error) {
	return []domain.BlobInfo{{Path: "archive/events/2033-05-18/a.jsonl", Size: 3}}, nil
}

func (oneBatchArchive) Restore(_ context.Context, path string) ([]domain.EventRecord, error) {
	if path != "archive/events/2033-05-18/a.jsonl" {
		return nil, domain.ErrNotFound
	}
	return []domain.EventRecord{{ID: "a", Seq: 1, Name: domain.EventTournamentCreated}}, nil
}

func TestArchiveRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Routes(Config{}, Handlers{Archive: handler.NewArchiveHandler(oneBatchArchive{}, logger)}, Guards{}, nil, logger)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/api/archive").Code)
	batch := decode[eventsBody](t, get("/api/archive/events?path=archive/events/2033-05-18/a.jsonl"))
	require.Len(t, batch.Events, 1)
	assert.Equal(t, uint64(1), batch.Events[0].Seq)
	assert.Equal(t, http.StatusNotFound, get("/api/archive/events?path=archive/events/missing.jsonl").Code)
}
