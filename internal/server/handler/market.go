package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/service"
)

// MarketReader is the read side of the ledger. It is declared here so the
// handlers can be tested against any implementation.
type MarketReader interface {
	Tournaments() []domain.Tournament
	TournamentAt(id string, executionStartAt int64) (service.TournamentView, bool)
	Model(id string) (domain.Model, bool)
	Prediction(modelID string, executionStartAt int64) (domain.Prediction, bool)
	Purchase(modelID string, executionStartAt int64, purchaser common.Address) (domain.Purchase, bool)
	PredictionKey(owner common.Address, tournamentID string, executionStartAt int64) (domain.PredictionKey, bool)
	Delivery(owner common.Address, tournamentID string, executionStartAt int64, receiver common.Address) (domain.KeyDelivery, bool)
	PublicKey(owner common.Address) (domain.PublicKeyRecord, bool)
	Escrow() service.EscrowSummary
	Events(ctx context.Context, filter domain.EventFilter) ([]domain.EventRecord, error)
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// MarketHandler serves ledger queries.
type MarketHandler struct {
	market MarketReader
	logger *slog.Logger
}

func NewMarketHandler(market MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{market: market, logger: logger}
}

type listTournamentsResponse struct {
	Tournaments []domain.Tournament `json:"tournaments"`
}

// ListTournaments returns every configured tournament.
// GET /api/tournaments
func (h *MarketHandler) ListTournaments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listTournamentsResponse{Tournaments: h.market.Tournaments()})
}

// GetTournament returns a tournament, with the current phase of ?slot=
// when given.
// GET /api/tournaments/{id}?slot=1700000000
func (h *MarketHandler) GetTournament(w http.ResponseWriter, r *http.Request) {
	var slot int64
	if q := r.URL.Query(); q.Has("slot") {
		var err error
		if slot, err = parseSlot("slot", q.Get("slot")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	view, ok := h.market.TournamentAt(r.PathValue("id"), slot)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrTournamentNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetModel returns a model.
// GET /api/models/{id}
func (h *MarketHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, ok := h.market.Model(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrModelNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrediction returns the prediction of a model slot.
// GET /api/predictions/{model}/{slot}
func (h *MarketHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	slot, err := pathSlot(r, "slot")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := h.market.Prediction(r.PathValue("model"), slot)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrPredictionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type purchaseResponse struct {
	domain.Purchase
	Created bool                  `json:"created"`
	Status  domain.PurchaseStatus `json:"status,omitempty"`
}

// GetPurchase returns one purchase. Unknown purchases are reported with
// created=false rather than 404 so clients can poll a slot.
// GET /api/purchases/{model}/{slot}/{purchaser}
func (h *MarketHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	slot, err := pathSlot(r, "slot")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	purchaser, err := pathAddress(r, "purchaser")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := h.market.Purchase(r.PathValue("model"), slot, purchaser)
	resp := purchaseResponse{Purchase: p, Created: ok}
	if ok {
		resp.Status = p.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPredictionKey returns an owner's key record for a tournament slot.
// GET /api/keys/{owner}/{tournament}/{slot}
func (h *MarketHandler) GetPredictionKey(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slot, err := pathSlot(r, "slot")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k, ok := h.market.PredictionKey(owner, r.PathValue("tournament"), slot)
	if !ok {
		writeError(w, http.StatusNotFound, "prediction key not exist.")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// GetDelivery returns the key an owner last sent to a receiver.
// GET /api/keys/{owner}/{tournament}/{slot}/received/{receiver}
func (h *MarketHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receiver, err := pathAddress(r, "receiver")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slot, err := pathSlot(r, "slot")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, ok := h.market.Delivery(owner, r.PathValue("tournament"), slot, receiver)
	if !ok {
		writeError(w, http.StatusNotFound, "prediction key not sent.")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetPublicKey returns an account's registered public key.
// GET /api/public-keys/{owner}
func (h *MarketHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k, ok := h.market.PublicKey(owner)
	if !ok {
		writeError(w, http.StatusNotFound, "public key not exist.")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// GetEscrow returns escrow totals.
// GET /api/escrow
func (h *MarketHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.Escrow())
}

type listEventsResponse struct {
	Events []domain.EventRecord `json:"events"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// ListEvents returns the event log in sequence order.
// GET /api/events?after=0&name=PurchaseCreated&since=...&until=...&limit=50&offset=0
func (h *MarketHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.market.Events(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.EventRecord{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events, Limit: filter.Limit, Offset: filter.Offset})
}

type balanceResponse struct {
	Account common.Address `json:"account"`
	Balance *uint256.Int   `json:"balance"`
}

// GetBalance returns an account's spendable balance.
// GET /api/balances/{account}
func (h *MarketHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := pathAddress(r, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.market.Balance(r.Context(), account)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: balance failed",
			slog.String("account", account.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: account, Balance: bal})
}
