package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/market"
	"github.com/alanyoungcy/alphamarket/internal/server/middleware"
	"github.com/alanyoungcy/alphamarket/internal/service"
)

// LedgerWriter is the mutating side of the ledger.
type LedgerWriter interface {
	CreateModels(ctx context.Context, caller common.Address, batch []market.CreateModelParams) ([]domain.Event, error)
	CreatePredictions(ctx context.Context, caller common.Address, batch []market.CreatePredictionParams) ([]domain.Event, error)
	PublishPredictions(ctx context.Context, caller common.Address, batch []market.PublishPredictionParams) ([]domain.Event, error)
	CreatePurchases(ctx context.Context, caller common.Address, value *uint256.Int, batch []market.CreatePurchaseParams) ([]domain.Event, error)
	ShipPurchases(ctx context.Context, caller common.Address, batch []market.ShipPurchaseParams) ([]domain.Event, error)
	RefundPurchases(ctx context.Context, caller common.Address, batch []market.RefundPurchaseParams) ([]domain.Event, error)
	PublishPredictionKey(ctx context.Context, caller common.Address, p service.PublishPredictionKeyParams) ([]domain.Event, error)
	SendPredictionKeys(ctx context.Context, caller common.Address, p service.SendPredictionKeysParams) ([]domain.Event, error)
	ChangePublicKey(ctx context.Context, caller common.Address, p service.ChangePublicKeyParams) ([]domain.Event, error)
}

// LedgerHandler serves the signed mutation endpoints. Every route must sit
// behind middleware.Signature, which supplies the caller.
type LedgerHandler struct {
	ledger LedgerWriter
	logger *slog.Logger
}

func NewLedgerHandler(ledger LedgerWriter, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

type batchRequest[T any] struct {
	Items []T `json:"items"`
}

type purchaseRequest struct {
	Value *uint256.Int                  `json:"value"`
	Items []market.CreatePurchaseParams `json:"items"`
}

type eventsResponse struct {
	Events []domain.Event `json:"events"`
}

// CreateModels handles POST /api/models.
func (h *LedgerHandler) CreateModels(w http.ResponseWriter, r *http.Request) {
	serveBatch(h, w, r, "create models", h.ledger.CreateModels)
}

// CreatePredictions handles POST /api/predictions.
func (h *LedgerHandler) CreatePredictions(w http.ResponseWriter, r *http.Request) {
	serveBatch(h, w, r, "create predictions", h.ledger.CreatePredictions)
}

// PublishPredictions handles POST /api/predictions/publish.
func (h *LedgerHandler) PublishPredictions(w http.ResponseWriter, r *http.Request) {
	serveBatch(h, w, r, "publish predictions", h.ledger.PublishPredictions)
}

// CreatePurchases escrows value for a batch of purchases. Value is a
// decimal string and must equal the summed prices.
// POST /api/purchases
func (h *LedgerHandler) CreatePurchases(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value := req.Value
	if value == nil {
		value = new(uint256.Int)
	}
	h.respond(w, r, "create purchases", func(ctx context.Context, caller common.Address) ([]domain.Event, error) {
		return h.ledger.CreatePurchases(ctx, caller, value, req.Items)
	})
}

// ShipPurchases handles POST /api/purchases/ship.
func (h *LedgerHandler) ShipPurchases(w http.ResponseWriter, r *http.Request) {
	serveBatch(h, w, r, "ship purchases", h.ledger.ShipPurchases)
}

// RefundPurchases handles POST /api/purchases/refund.
func (h *LedgerHandler) RefundPurchases(w http.ResponseWriter, r *http.Request) {
	serveBatch(h, w, r, "refund purchases", h.ledger.RefundPurchases)
}

// PublishPredictionKey handles POST /api/keys/publish.
func (h *LedgerHandler) PublishPredictionKey(w http.ResponseWriter, r *http.Request) {
	serveSingle(h, w, r, "publish prediction key", h.ledger.PublishPredictionKey)
}

// SendPredictionKeys handles POST /api/keys/send.
func (h *LedgerHandler) SendPredictionKeys(w http.ResponseWriter, r *http.Request) {
	serveSingle(h, w, r, "send prediction keys", h.ledger.SendPredictionKeys)
}

// ChangePublicKey handles PUT /api/public-key.
func (h *LedgerHandler) ChangePublicKey(w http.ResponseWriter, r *http.Request) {
	serveSingle(h, w, r, "change public key", h.ledger.ChangePublicKey)
}

func serveBatch[T any](h *LedgerHandler, w http.ResponseWriter, r *http.Request, op string,
	call func(context.Context, common.Address, []T) ([]domain.Event, error)) {
	var req batchRequest[T]
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, r, op, func(ctx context.Context, caller common.Address) ([]domain.Event, error) {
		return call(ctx, caller, req.Items)
	})
}

func serveSingle[T any](h *LedgerHandler, w http.ResponseWriter, r *http.Request, op string,
	call func(context.Context, common.Address, T) ([]domain.Event, error)) {
	var req T
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, r, op, func(ctx context.Context, caller common.Address) ([]domain.Event, error) {
		return call(ctx, caller, req)
	})
}

func (h *LedgerHandler) respond(w http.ResponseWriter, r *http.Request, op string,
	call func(context.Context, common.Address) ([]domain.Event, error)) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unsigned request")
		return
	}
	events, err := call(r.Context(), caller)
	if err != nil {
		if _, rejected := domain.AsRejection(err); rejected {
			h.logger.DebugContext(r.Context(), "handler: "+op+" rejected",
				slog.String("caller", caller.Hex()),
				slog.String("reason", domain.Describe(err)),
			)
		}
		writeLedgerError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}
