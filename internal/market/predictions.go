package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// CreatePredictionParams is one item of a CreatePredictions batch.
type CreatePredictionParams struct {
	ModelID          string        `json:"modelId"`
	ExecutionStartAt int64         `json:"executionStartAt"`
	EncryptedContent hexutil.Bytes `json:"encryptedContent"`
	Price            *uint256.Int  `json:"price"`
}

// PublishPredictionParams is one item of a PublishPredictions batch.
type PublishPredictionParams struct {
	ModelID             string        `json:"modelId"`
	ExecutionStartAt    int64         `json:"executionStartAt"`
	ContentKeyGenerator hexutil.Bytes `json:"contentKeyGenerator"`
}

// CreatePredictions submits encrypted forecasts for models caller owns.
func (l *Ledger) CreatePredictions(ctx context.Context, caller common.Address, batch []CreatePredictionParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}

	x := l.st.begin()
	for i, p := range batch {
		if err := l.createPrediction(x, now, caller, p); err != nil {
			return nil, domain.AtIndex(i, err)
		}
	}
	return l.settle(ctx, x, now, nil)
}

func (l *Ledger) createPrediction(x *tx, now int64, caller common.Address, p CreatePredictionParams) error {
	_, t, err := l.ownedModel(x, caller, p.ModelID)
	if err != nil {
		return err
	}
	if len(p.EncryptedContent) == 0 {
		return domain.ErrEmptyContent
	}
	if p.Price == nil || p.Price.IsZero() {
		return domain.ErrPriceNotPositive
	}
	if !p.Price.Lt(domain.MaxPrice) {
		return domain.ErrPriceTooLarge
	}
	if !t.ValidSlot(p.ExecutionStartAt) {
		return domain.ErrInvalidExecutionStartAt
	}
	if PhaseAt(now, p.ExecutionStartAt, t) != PhasePrediction {
		return domain.ErrCreatePredictionForbidden
	}
	key := domain.SlotKey{ModelID: p.ModelID, ExecutionStartAt: p.ExecutionStartAt}
	if _, exists := x.predictions.get(key); exists {
		return domain.ErrPredictionExists
	}

	content := append(hexutil.Bytes(nil), p.EncryptedContent...)
	price := p.Price.Clone()
	x.predictions.put(key, domain.Prediction{
		ModelID:          p.ModelID,
		ExecutionStartAt: p.ExecutionStartAt,
		EncryptedContent: content,
		Price:            price,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	x.emit(domain.PredictionCreated{
		ModelID:          p.ModelID,
		ExecutionStartAt: p.ExecutionStartAt,
		Price:            price,
		EncryptedContent: content,
	})
	return nil
}

// PublishPredictions reveals content-key generators after execution and
// records each commitment. Publication is irreversible.
func (l *Ledger) PublishPredictions(ctx context.Context, caller common.Address, batch []PublishPredictionParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}

	x := l.st.begin()
	for i, p := range batch {
		if err := l.publishPrediction(x, now, caller, p); err != nil {
			return nil, domain.AtIndex(i, err)
		}
	}
	return l.settle(ctx, x, now, nil)
}

func (l *Ledger) publishPrediction(x *tx, now int64, caller common.Address, p PublishPredictionParams) error {
	_, t, err := l.ownedModel(x, caller, p.ModelID)
	if err != nil {
		return err
	}
	if len(p.ContentKeyGenerator) == 0 {
		return domain.ErrEmptyGenerator
	}
	if PhaseAt(now, p.ExecutionStartAt, t) != PhasePublication {
		return domain.ErrPublishPredictionForbidden
	}
	key := domain.SlotKey{ModelID: p.ModelID, ExecutionStartAt: p.ExecutionStartAt}
	pred, ok := x.predictions.get(key)
	if !ok {
		return domain.ErrPredictionNotFound
	}
	if pred.Published {
		return domain.ErrAlreadyPublished
	}

	pred.Published = true
	pred.ContentKey = crypto.PredictionCommitment(p.ContentKeyGenerator, p.ModelID)
	pred.UpdatedAt = now
	x.predictions.put(key, pred)
	x.emit(domain.PredictionPublished{
		ModelID:          p.ModelID,
		ExecutionStartAt: p.ExecutionStartAt,
		ContentKey:       pred.ContentKey,
	})
	return nil
}
