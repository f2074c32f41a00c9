package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// CreatePurchaseParams is one item of a CreatePurchases batch.
type CreatePurchaseParams struct {
	ModelID          string        `json:"modelId"`
	ExecutionStartAt int64         `json:"executionStartAt"`
	PublicKey        hexutil.Bytes `json:"publicKey"`
}

// ShipPurchaseParams is one item of a ShipPurchases batch.
type ShipPurchaseParams struct {
	ModelID             string         `json:"modelId"`
	ExecutionStartAt    int64          `json:"executionStartAt"`
	Purchaser           common.Address `json:"purchaser"`
	EncryptedContentKey hexutil.Bytes  `json:"encryptedContentKey"`
}

// RefundPurchaseParams is one item of a RefundPurchases batch.
type RefundPurchaseParams struct {
	ModelID          string `json:"modelId"`
	ExecutionStartAt int64  `json:"executionStartAt"`
}

// CreatePurchases buys every prediction in batch for caller. value must
// equal the sum of their prices exactly; it is collected into escrow
// after the purchases are recorded.
func (l *Ledger) CreatePurchases(ctx context.Context, caller common.Address, value *uint256.Int, batch []CreatePurchaseParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}

	x := l.st.begin()
	total := new(uint256.Int)
	for i, p := range batch {
		price, err := l.createPurchase(x, now, caller, p)
		if err != nil {
			return nil, domain.AtIndex(i, err)
		}
		var overflow bool
		if total, overflow = new(uint256.Int).AddOverflow(total, price); overflow {
			return nil, domain.ErrValueMismatch
		}
	}
	if value == nil {
		value = new(uint256.Int)
	}
	if !value.Eq(total) {
		return nil, domain.ErrValueMismatch
	}

	x.escrowIn = total
	return l.settle(ctx, x, now, func(ctx context.Context) error {
		return l.vault.Collect(ctx, caller, total.Clone())
	})
}

func (l *Ledger) createPurchase(x *tx, now int64, caller common.Address, p CreatePurchaseParams) (*uint256.Int, error) {
	m, t, err := l.model(x, p.ModelID)
	if err != nil {
		return nil, err
	}
	if m.Owner == caller {
		return nil, domain.ErrSelfPurchase
	}
	if len(p.PublicKey) == 0 {
		return nil, domain.ErrEmptyPublicKey
	}
	if PhaseAt(now, p.ExecutionStartAt, t) != PhasePurchase {
		return nil, domain.ErrCreatePurchaseForbidden
	}
	pred, ok := x.predictions.get(domain.SlotKey{ModelID: p.ModelID, ExecutionStartAt: p.ExecutionStartAt})
	if !ok {
		return nil, domain.ErrPredictionNotFound
	}
	key := domain.PurchaseKey{ModelID: p.ModelID, ExecutionStartAt: p.ExecutionStartAt, Purchaser: caller}
	if _, exists := x.purchases.get(key); exists {
		return nil, domain.ErrAlreadyPurchased
	}

	publicKey := append(hexutil.Bytes(nil), p.PublicKey...)
	x.purchases.put(key, domain.Purchase{
		ModelID:          p.ModelID,
		ExecutionStartAt: p.ExecutionStartAt,
		Purchaser:        caller,
		PublicKey:        publicKey,
		Price:            pred.Price,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	x.emit(domain.PurchaseCreated{
		ModelID:          p.ModelID,
		ExecutionStartAt: p.ExecutionStartAt,
		Purchaser:        caller,
		PublicKey:        publicKey,
	})
	return pred.Price, nil
}

// ShipPurchases delivers encrypted content keys to purchasers of caller's
// models and releases each escrowed price to caller.
func (l *Ledger) ShipPurchases(ctx context.Context, caller common.Address, batch []ShipPurchaseParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}

	x := l.st.begin()
	transfers := make([]domain.Transfer, 0, len(batch))
	for i, p := range batch {
		price, err := l.shipPurchase(x, now, caller, p)
		if err != nil {
			return nil, domain.AtIndex(i, err)
		}
		x.escrowOut = new(uint256.Int).Add(x.escrowOut, price)
		transfers = append(transfers, domain.Transfer{To: caller, Amount: price})
	}

	return l.settle(ctx, x, now, func(ctx context.Context) error {
		return l.vault.Release(ctx, transfers)
	})
}

func (l *Ledger) shipPurchase(x *tx, now int64, caller common.Address, p ShipPurchaseParams) (*uint256.Int, error) {
	_, t, err := l.ownedModel(x, caller, p.ModelID)
	if err != nil {
		return nil, err
	}
	if len(p.EncryptedContentKey) == 0 {
		return nil, domain.ErrEmptyContentKey
	}
	if PhaseAt(now, p.ExecutionStartAt, t) != PhaseShipping {
		return nil, domain.ErrShipPurchaseForbidden
	}
	key := domain.PurchaseKey{ModelID: p.ModelID, ExecutionStartAt: p.ExecutionStartAt, Purchaser: p.Purchaser}
	pur, err := pendingPurchase(x, key)
	if err != nil {
		return nil, err
	}

	pur.Shipped = true
	pur.EncryptedContentKey = append(hexutil.Bytes(nil), p.EncryptedContentKey...)
	pur.UpdatedAt = now
	x.purchases.put(key, pur)
	x.emit(domain.PurchaseShipped{
		ModelID:             p.ModelID,
		ExecutionStartAt:    p.ExecutionStartAt,
		Purchaser:           p.Purchaser,
		EncryptedContentKey: pur.EncryptedContentKey,
	})
	return pur.Price, nil
}

// RefundPurchases returns escrow to caller for its purchases that were
// never shipped.
func (l *Ledger) RefundPurchases(ctx context.Context, caller common.Address, batch []RefundPurchaseParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}

	x := l.st.begin()
	total := new(uint256.Int)
	for i, p := range batch {
		price, err := l.refundPurchase(x, now, caller, p)
		if err != nil {
			return nil, domain.AtIndex(i, err)
		}
		total = new(uint256.Int).Add(total, price)
	}

	x.escrowOut = total
	return l.settle(ctx, x, now, func(ctx context.Context) error {
		return l.vault.Release(ctx, []domain.Transfer{{To: caller, Amount: total.Clone()}})
	})
}

func (l *Ledger) refundPurchase(x *tx, now int64, caller common.Address, p RefundPurchaseParams) (*uint256.Int, error) {
	_, t, err := l.model(x, p.ModelID)
	if err != nil {
		return nil, err
	}
	if !refundOpen(PhaseAt(now, p.ExecutionStartAt, t)) {
		return nil, domain.ErrRefundPurchaseForbidden
	}
	key := domain.PurchaseKey{ModelID: p.ModelID, ExecutionStartAt: p.ExecutionStartAt, Purchaser: caller}
	pur, err := pendingPurchase(x, key)
	if err != nil {
		return nil, err
	}

	pur.Refunded = true
	pur.UpdatedAt = now
	x.purchases.put(key, pur)
	x.emit(domain.PurchaseRefunded{
		ModelID:          p.ModelID,
		ExecutionStartAt: p.ExecutionStartAt,
		Purchaser:        caller,
	})
	return pur.Price, nil
}

func pendingPurchase(x *tx, key domain.PurchaseKey) (domain.Purchase, error) {
	pur, ok := x.purchases.get(key)
	switch {
	case !ok:
		return pur, domain.ErrPurchaseNotFound
	case pur.Shipped:
		return pur, domain.ErrAlreadyShipped
	case pur.Refunded:
		return pur, domain.ErrAlreadyRefunded
	}
	return pur, nil
}
