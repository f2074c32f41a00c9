package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// MaxPrice is the exclusive upper bound on a prediction price (2^248).
var MaxPrice = new(uint256.Int).Lsh(uint256.NewInt(1), 248)

// Model is a registered forecaster bound to one tournament.
type Model struct {
	ID                string         `json:"model_id"`
	Owner             common.Address `json:"owner"`
	TournamentID      string         `json:"tournament_id"`
	PredictionLicense string         `json:"prediction_license"`
	CreatedAt         int64          `json:"created_at"`
}

// SlotKey identifies one prediction opportunity.
type SlotKey struct {
	ModelID          string
	ExecutionStartAt int64
}

// Prediction is an encrypted forecast for one slot.
type Prediction struct {
	ModelID          string        `json:"model_id"`
	ExecutionStartAt int64         `json:"execution_start_at"`
	EncryptedContent hexutil.Bytes `json:"encrypted_content"`
	Price            *uint256.Int  `json:"price"`
	Published        bool          `json:"published"`
	ContentKey       common.Hash   `json:"content_key"` // zero until published
	CreatedAt        int64         `json:"created_at"`
	UpdatedAt        int64         `json:"updated_at"`
}

// PurchaseKey identifies one buyer's claim on a prediction.
type PurchaseKey struct {
	ModelID          string
	ExecutionStartAt int64
	Purchaser        common.Address
}

// PurchaseStatus is the escrow state of a purchase.
type PurchaseStatus string

const (
	PurchaseStatusPending  PurchaseStatus = "pending"
	PurchaseStatusShipped  PurchaseStatus = "shipped"
	PurchaseStatusRefunded PurchaseStatus = "refunded"
)

// Purchase is a buyer's escrowed claim on a prediction's content key.
type Purchase struct {
	ModelID             string         `json:"model_id"`
	ExecutionStartAt    int64          `json:"execution_start_at"`
	Purchaser           common.Address `json:"purchaser"`
	PublicKey           hexutil.Bytes  `json:"public_key"`
	Price               *uint256.Int   `json:"price"`
	EncryptedContentKey hexutil.Bytes  `json:"encrypted_content_key"`
	Shipped             bool           `json:"shipped"`
	Refunded            bool           `json:"refunded"`
	CreatedAt           int64          `json:"created_at"`
	UpdatedAt           int64          `json:"updated_at"`
}

// Status derives the escrow state from the terminal flags.
func (p Purchase) Status() PurchaseStatus {
	switch {
	case p.Shipped:
		return PurchaseStatusShipped
	case p.Refunded:
		return PurchaseStatusRefunded
	default:
		return PurchaseStatusPending
	}
}

// Pending reports whether the purchase still holds escrowed value.
func (p Purchase) Pending() bool { return !p.Shipped && !p.Refunded }

// PredictionKeyID identifies an owner-wide key for one tournament slot.
type PredictionKeyID struct {
	Owner            common.Address
	TournamentID     string
	ExecutionStartAt int64
}

// PredictionKey is the owner-scoped publication record plus the advisory
// count of keys the owner has sent for the slot.
type PredictionKey struct {
	Owner            common.Address `json:"owner"`
	TournamentID     string         `json:"tournament_id"`
	ExecutionStartAt int64          `json:"execution_start_at"`
	Published        bool           `json:"published"`
	ContentKey       common.Hash    `json:"content_key"`
	SentCount        uint64         `json:"sent_count"`
	UpdatedAt        int64          `json:"updated_at"`
}

// KeyDelivery is a content key sent by an owner to one receiver.
type KeyDelivery struct {
	Owner               common.Address `json:"owner"`
	TournamentID        string         `json:"tournament_id"`
	ExecutionStartAt    int64          `json:"execution_start_at"`
	Receiver            common.Address `json:"receiver"`
	EncryptedContentKey hexutil.Bytes  `json:"encrypted_content_key"`
	CreatedAt           int64          `json:"created_at"`
}

// DeliveryKey identifies a KeyDelivery.
type DeliveryKey struct {
	PredictionKeyID
	Receiver common.Address
}

// PublicKeyRecord is the key other participants encrypt deliveries to.
type PublicKeyRecord struct {
	Owner     common.Address `json:"owner"`
	PublicKey hexutil.Bytes  `json:"public_key"`
	UpdatedAt int64          `json:"updated_at"`
}
