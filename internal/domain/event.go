package domain

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// EventName is the stable name an indexer subscribes to.
type EventName string

const (
	EventTournamentCreated      EventName = "TournamentCreated"
	EventModelCreated           EventName = "ModelCreated"
	EventPredictionCreated      EventName = "PredictionCreated"
	EventPredictionPublished    EventName = "PredictionPublished"
	EventPurchaseCreated        EventName = "PurchaseCreated"
	EventPurchaseShipped        EventName = "PurchaseShipped"
	EventPurchaseRefunded       EventName = "PurchaseRefunded"
	EventPredictionKeyPublished EventName = "PredictionKeyPublished"
	EventPredictionKeySent      EventName = "PredictionKeySent"
	EventPublicKeyChanged       EventName = "PublicKeyChanged"
)

// EventArgs is the typed payload of an event. Field order of each
// implementation is part of the indexer contract.
type EventArgs interface {
	EventName() EventName
}

// Event is one accepted batch item as seen by indexers.
type Event struct {
	ID        string
	Seq       uint64
	Timestamp int64
	Args      EventArgs
}

// Name returns the event name of the payload.
func (e Event) Name() EventName { return e.Args.EventName() }

// Record converts e into its storable form.
func (e Event) Record() (EventRecord, error) {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return EventRecord{}, err
	}
	return EventRecord{
		ID:        e.ID,
		Seq:       e.Seq,
		Name:      e.Name(),
		Timestamp: e.Timestamp,
		Args:      args,
	}, nil
}

// MarshalJSON encodes e as its record.
func (e Event) MarshalJSON() ([]byte, error) {
	rec, err := e.Record()
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// EventRecord is an event with its payload already encoded, as stored,
// archived and streamed.
type EventRecord struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Name      EventName       `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Args      json.RawMessage `json:"args"`
}

type TournamentCreated struct {
	TournamentID             string `json:"tournamentId"`
	ExecutionStartAt         int64  `json:"executionStartAt"`
	PredictionTime           int64  `json:"predictionTime"`
	PurchaseTime             int64  `json:"purchaseTime"`
	ShippingTime             int64  `json:"shippingTime"`
	ExecutionPreparationTime int64  `json:"executionPreparationTime"`
	ExecutionTime            int64  `json:"executionTime"`
	PublicationTime          int64  `json:"publicationTime"`
	Description              string `json:"description"`
}

func (TournamentCreated) EventName() EventName { return EventTournamentCreated }

type ModelCreated struct {
	ModelID           string         `json:"modelId"`
	Owner             common.Address `json:"owner"`
	TournamentID      string         `json:"tournamentId"`
	PredictionLicense string         `json:"predictionLicense"`
}

func (ModelCreated) EventName() EventName { return EventModelCreated }

type PredictionCreated struct {
	ModelID          string        `json:"modelId"`
	ExecutionStartAt int64         `json:"executionStartAt"`
	Price            *uint256.Int  `json:"price"`
	EncryptedContent hexutil.Bytes `json:"encryptedContent"`
}

func (PredictionCreated) EventName() EventName { return EventPredictionCreated }

type PredictionPublished struct {
	ModelID          string      `json:"modelId"`
	ExecutionStartAt int64       `json:"executionStartAt"`
	ContentKey       common.Hash `json:"contentKey"`
}

func (PredictionPublished) EventName() EventName { return EventPredictionPublished }

type PurchaseCreated struct {
	ModelID          string         `json:"modelId"`
	ExecutionStartAt int64          `json:"executionStartAt"`
	Purchaser        common.Address `json:"purchaser"`
	PublicKey        hexutil.Bytes  `json:"publicKey"`
}

func (PurchaseCreated) EventName() EventName { return EventPurchaseCreated }

type PurchaseShipped struct {
	ModelID             string         `json:"modelId"`
	ExecutionStartAt    int64          `json:"executionStartAt"`
	Purchaser           common.Address `json:"purchaser"`
	EncryptedContentKey hexutil.Bytes  `json:"encryptedContentKey"`
}

func (PurchaseShipped) EventName() EventName { return EventPurchaseShipped }

type PurchaseRefunded struct {
	ModelID          string         `json:"modelId"`
	ExecutionStartAt int64          `json:"executionStartAt"`
	Purchaser        common.Address `json:"purchaser"`
}

func (PurchaseRefunded) EventName() EventName { return EventPurchaseRefunded }

type PredictionKeyPublished struct {
	Owner            common.Address `json:"owner"`
	TournamentID     string         `json:"tournamentId"`
	ExecutionStartAt int64          `json:"executionStartAt"`
	ContentKey       common.Hash    `json:"contentKey"`
}

func (PredictionKeyPublished) EventName() EventName { return EventPredictionKeyPublished }

type PredictionKeySent struct {
	Owner               common.Address `json:"owner"`
	TournamentID        string         `json:"tournamentId"`
	ExecutionStartAt    int64          `json:"executionStartAt"`
	Receiver            common.Address `json:"receiver"`
	EncryptedContentKey hexutil.Bytes  `json:"encryptedContentKey"`
}

func (PredictionKeySent) EventName() EventName { return EventPredictionKeySent }

type PublicKeyChanged struct {
	Owner     common.Address `json:"owner"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
}

func (PublicKeyChanged) EventName() EventName { return EventPublicKeyChanged }
