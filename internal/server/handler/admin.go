package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Treasurer credits accounts on the operator's behalf.
type Treasurer interface {
	Credit(ctx context.Context, account common.Address, amount *uint256.Int) error
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
}

// AdminHandler serves operator-only endpoints. Routes must sit behind
// middleware.Operator.
type AdminHandler struct {
	treasury Treasurer
	logger   *slog.Logger
}

func NewAdminHandler(treasury Treasurer, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{treasury: treasury, logger: logger}
}

type creditRequest struct {
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

// Credit deposits amount into an account and returns the new balance.
// POST /api/admin/credit
func (h *AdminHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Account == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}
	if err := h.treasury.Credit(r.Context(), req.Account, req.Amount); err != nil {
		writeLedgerError(w, r, h.logger, "credit", err)
		return
	}
	bal, err := h.treasury.Balance(r.Context(), req.Account)
	if err != nil {
		writeLedgerError(w, r, h.logger, "credit", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: req.Account, Balance: bal})
}
