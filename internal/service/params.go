package service

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/alphamarket/internal/market"
)

// PublishPredictionKeyParams addresses one owner's key for a tournament slot.
type PublishPredictionKeyParams struct {
	TournamentID        string        `json:"tournamentId"`
	ExecutionStartAt    int64         `json:"executionStartAt"`
	ContentKeyGenerator hexutil.Bytes `json:"contentKeyGenerator"`
}

// SendPredictionKeysParams is a batch of key deliveries for one slot.
type SendPredictionKeysParams struct {
	TournamentID     string                           `json:"tournamentId"`
	ExecutionStartAt int64                            `json:"executionStartAt"`
	Keys             []market.SendPredictionKeyParams `json:"keys"`
}

// ChangePublicKeyParams replaces the caller's public key.
type ChangePublicKeyParams struct {
	PublicKey hexutil.Bytes `json:"publicKey"`
}
