package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventFilter narrows an event listing.
type EventFilter struct {
	ListOpts
	Name     EventName
	AfterSeq uint64
}

// EventStore persists the event log consumed by indexers. ListBefore
// returns the oldest events first; DeleteThrough removes every event with a
// sequence number up to and including seq.
type EventStore interface {
	InsertBatch(ctx context.Context, events []EventRecord) error
	List(ctx context.Context, filter EventFilter) ([]EventRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]EventRecord, error)
	DeleteThrough(ctx context.Context, seq uint64) (int64, error)
}

// JournalOp names a mutating ledger call.
type JournalOp string

const (
	OpCreateModels         JournalOp = "createModels"
	OpCreatePredictions    JournalOp = "createPredictions"
	OpPublishPredictions   JournalOp = "publishPredictions"
	OpCreatePurchases      JournalOp = "createPurchases"
	OpShipPurchases        JournalOp = "shipPurchases"
	OpRefundPurchases      JournalOp = "refundPurchases"
	OpPublishPredictionKey JournalOp = "publishPredictionKey"
	OpSendPredictionKeys   JournalOp = "sendPredictionKeys"
	OpChangePublicKey      JournalOp = "changePublicKey"
)

// JournalEntry is one accepted ledger call, enough to re-apply it.
type JournalEntry struct {
	Seq        int64
	Op         JournalOp
	Caller     common.Address
	Value      *uint256.Int // nil unless the call carried value
	Now        int64        // clock reading the call was evaluated at
	Params     json.RawMessage
	RecordedAt time.Time
}

// Movement is the value one ledger call moves through the treasury:
// Collected leaves Payer's balance for escrow, Released leaves escrow.
type Movement struct {
	Payer     common.Address
	Collected *uint256.Int
	Released  []Transfer
}

// IsZero reports whether the call moves no value.
func (m Movement) IsZero() bool {
	return (m.Collected == nil || m.Collected.IsZero()) && len(m.Released) == 0
}

// JournalStore is the append-only log the ledger is rebuilt from. Append
// records the entry and applies its movement to the treasury as one unit:
// either both are stored or neither is. Replay visits entries with
// Seq > afterSeq in order.
type JournalStore interface {
	Append(ctx context.Context, entry JournalEntry, move Movement) (int64, error)
	Replay(ctx context.Context, afterSeq int64, fn func(JournalEntry) error) error
}
