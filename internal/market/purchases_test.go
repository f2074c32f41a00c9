package market

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

func TestCreatePurchases(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.at(f.purchaseStart)

	events, err := f.ledger.CreatePurchases(f.ctx, buyer, uint256.NewInt(1), f.purchaseBatch("model1"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.PurchaseCreated{
		ModelID:          "model1",
		ExecutionStartAt: f.execAt,
		Purchaser:        buyer,
		PublicKey:        hexutil.Bytes{1, 2, 3},
	}, events[0].Args)

	p, ok := f.ledger.Purchase("model1", f.execAt, buyer)
	require.True(t, ok)
	assert.Equal(t, domain.PurchaseStatusPending, p.Status())
	assert.Equal(t, "1", p.Price.Dec())
	assert.Equal(t, uint64(99), f.balance(t, buyer))
	f.requireConserved(t)

	_, err = f.ledger.CreatePurchases(f.ctx, buyer, uint256.NewInt(1), f.purchaseBatch("model1"))
	require.ErrorIs(t, err, domain.ErrAlreadyPurchased)
	assert.Equal(t, "Already purchased.", err.Error())
	assert.Equal(t, uint64(99), f.balance(t, buyer))
}

func TestCreatePurchasesExactValue(t *testing.T) {
	tests := []struct {
		value uint64
		want  error
	}{
		{2, domain.ErrValueMismatch},
		{4, domain.ErrValueMismatch},
		{0, domain.ErrValueMismatch},
		{3, nil},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.mustPredict(t, map[string]uint64{"model1": 1, "model2": 2})
		f.at(f.purchaseStart)

		events, err := f.ledger.CreatePurchases(f.ctx, buyer, uint256.NewInt(tt.value), f.purchaseBatch("model1", "model2"))
		if tt.want != nil {
			require.ErrorIs(t, err, tt.want, "value %d", tt.value)
			_, ok := f.ledger.Purchase("model1", f.execAt, buyer)
			assert.False(t, ok)
			assert.True(t, f.ledger.Escrow().IsZero())
			assert.Equal(t, uint64(100), f.balance(t, buyer))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, []domain.EventName{domain.EventPurchaseCreated, domain.EventPurchaseCreated}, names(events))
		assert.Equal(t, "3", f.ledger.Escrow().Dec())
		assert.Equal(t, uint64(97), f.balance(t, buyer))
		f.requireConserved(t)
	}
}

func TestCreatePurchasesRejections(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		now    func(f *fixture) int64
		batch  func(f *fixture) []CreatePurchaseParams
		want   error
	}{
		{
			name:  "empty",
			batch: func(*fixture) []CreatePurchaseParams { return nil },
			want:  domain.ErrEmptyParams,
		},
		{
			name:  "model not exist",
			batch: func(f *fixture) []CreatePurchaseParams { return f.purchaseBatch("nobody") },
			want:  domain.ErrModelNotFound,
		},
		{
			name:   "own model",
			caller: owner,
			want:   domain.ErrSelfPurchase,
		},
		{
			name: "empty public key",
			batch: func(f *fixture) []CreatePurchaseParams {
				return []CreatePurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt}}
			},
			want: domain.ErrEmptyPublicKey,
		},
		{
			name: "too early",
			now:  func(f *fixture) int64 { return f.purchaseStart - 1 },
			want: domain.ErrCreatePurchaseForbidden,
		},
		{
			name: "too late",
			now:  func(f *fixture) int64 { return f.shippingStart },
			want: domain.ErrCreatePurchaseForbidden,
		},
		{
			name:  "prediction not exist",
			batch: func(f *fixture) []CreatePurchaseParams { return f.purchaseBatch("model3") },
			want:  domain.ErrPredictionNotFound,
		},
		{
			name:  "same prediction twice in batch",
			batch: func(f *fixture) []CreatePurchaseParams { return f.purchaseBatch("model1", "model1") },
			want:  domain.ErrAlreadyPurchased,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustPredict(t, map[string]uint64{"model1": 1})

			caller := buyer
			if tt.caller != (common.Address{}) {
				caller = tt.caller
			}
			now := f.purchaseStart
			if tt.now != nil {
				now = tt.now(f)
			}
			f.at(now)
			batch := f.purchaseBatch("model1")
			if tt.batch != nil {
				batch = tt.batch(f)
			}

			_, err := f.ledger.CreatePurchases(f.ctx, caller, uint256.NewInt(1), batch)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, f.ledger.Escrow().IsZero())
			assert.Equal(t, uint64(100), f.balance(t, buyer))
		})
	}
}

func TestCreatePurchasesLastSecond(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.at(f.shippingStart - 1)

	_, err := f.ledger.CreatePurchases(f.ctx, buyer, uint256.NewInt(1), f.purchaseBatch("model1"))
	require.NoError(t, err)
}

func TestCreatePurchasesInsufficientBalanceRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 500})
	f.at(f.purchaseStart)
	seq := f.ledger.Seq()

	_, err := f.ledger.CreatePurchases(f.ctx, buyer, uint256.NewInt(500), f.purchaseBatch("model1"))
	require.ErrorIs(t, err, domain.ErrInsufficientFund)

	_, ok := f.ledger.Purchase("model1", f.execAt, buyer)
	assert.False(t, ok)
	assert.True(t, f.ledger.Escrow().IsZero())
	assert.Equal(t, seq, f.ledger.Seq())
	f.requireConserved(t)
}

func TestShipPurchases(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1, "model2": 2})
	f.mustPurchase(t, buyer, 3, "model1", "model2")
	f.mustPurchase(t, third, 1, "model1")
	f.at(f.shippingStart)

	events, err := f.ledger.ShipPurchases(f.ctx, owner, []ShipPurchaseParams{
		{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{7}},
		{ModelID: "model2", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{8}},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.EventName{domain.EventPurchaseShipped, domain.EventPurchaseShipped}, names(events))
	assert.Equal(t, domain.PurchaseShipped{
		ModelID:             "model1",
		ExecutionStartAt:    f.execAt,
		Purchaser:           buyer,
		EncryptedContentKey: hexutil.Bytes{7},
	}, events[0].Args)

	assert.Equal(t, uint64(3), f.balance(t, owner))
	assert.Equal(t, "1", f.ledger.Escrow().Dec())
	f.requireConserved(t)

	p, _ := f.ledger.Purchase("model2", f.execAt, buyer)
	assert.Equal(t, domain.PurchaseStatusShipped, p.Status())
	assert.Equal(t, hexutil.Bytes{8}, p.EncryptedContentKey)

	_, err = f.ledger.ShipPurchases(f.ctx, owner, []ShipPurchaseParams{
		{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{7}},
	})
	require.ErrorIs(t, err, domain.ErrAlreadyShipped)
	assert.Equal(t, uint64(3), f.balance(t, owner))
}

func TestShipPurchasesRejections(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		now    func(f *fixture) int64
		item   func(f *fixture) ShipPurchaseParams
		want   error
	}{
		{
			name: "model not exist",
			item: func(f *fixture) ShipPurchaseParams {
				return ShipPurchaseParams{ModelID: "nobody", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{1}}
			},
			want: domain.ErrModelNotFound,
		},
		{
			name:   "not model owner",
			caller: third,
			want:   domain.ErrModelOwnerOnly,
		},
		{
			name: "empty content key",
			item: func(f *fixture) ShipPurchaseParams {
				return ShipPurchaseParams{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer}
			},
			want: domain.ErrEmptyContentKey,
		},
		{
			name: "too early",
			now:  func(f *fixture) int64 { return f.shippingStart - 1 },
			want: domain.ErrShipPurchaseForbidden,
		},
		{
			name: "too late",
			now:  func(f *fixture) int64 { return f.preparationStart },
			want: domain.ErrShipPurchaseForbidden,
		},
		{
			name: "purchase not exist",
			item: func(f *fixture) ShipPurchaseParams {
				return ShipPurchaseParams{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: third, EncryptedContentKey: []byte{1}}
			},
			want: domain.ErrPurchaseNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustPredict(t, map[string]uint64{"model1": 1})
			f.mustPurchase(t, buyer, 1, "model1")

			caller := owner
			if tt.caller != (common.Address{}) {
				caller = tt.caller
			}
			now := f.shippingStart
			if tt.now != nil {
				now = tt.now(f)
			}
			f.at(now)
			item := ShipPurchaseParams{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{1}}
			if tt.item != nil {
				item = tt.item(f)
			}

			_, err := f.ledger.ShipPurchases(f.ctx, caller, []ShipPurchaseParams{item})
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, "1", f.ledger.Escrow().Dec())
			assert.Equal(t, uint64(0), f.balance(t, owner))
		})
	}
}

func TestShipAfterRefund(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.mustPurchase(t, buyer, 1, "model1")

	// the shipping window is over once refunds open, so check the guard
	// the ship path uses directly
	f.at(f.preparationStart)
	_, err := f.ledger.RefundPurchases(f.ctx, buyer, []RefundPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt}})
	require.NoError(t, err)

	x := f.ledger.st.begin()
	_, err = pendingPurchase(x, domain.PurchaseKey{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer})
	require.ErrorIs(t, err, domain.ErrAlreadyRefunded)
}

func TestRefundPurchases(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1, "model2": 2})
	f.mustPurchase(t, buyer, 3, "model1", "model2")
	f.at(f.preparationStart)

	events, err := f.ledger.RefundPurchases(f.ctx, buyer, []RefundPurchaseParams{
		{ModelID: "model1", ExecutionStartAt: f.execAt},
		{ModelID: "model2", ExecutionStartAt: f.execAt},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseRefunded{ModelID: "model2", ExecutionStartAt: f.execAt, Purchaser: buyer}, events[1].Args)
	assert.Equal(t, uint64(100), f.balance(t, buyer))
	assert.True(t, f.ledger.Escrow().IsZero())
	f.requireConserved(t)

	p, _ := f.ledger.Purchase("model1", f.execAt, buyer)
	assert.Equal(t, domain.PurchaseStatusRefunded, p.Status())

	_, err = f.ledger.RefundPurchases(f.ctx, buyer, []RefundPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt}})
	require.ErrorIs(t, err, domain.ErrAlreadyRefunded)
	assert.Equal(t, uint64(100), f.balance(t, buyer))
}

func TestRefundPurchasesStaysOpen(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.mustPurchase(t, buyer, 1, "model1")
	f.at(f.publicationStart + 30*domain.SecondsPerDay)

	_, err := f.ledger.RefundPurchases(f.ctx, buyer, []RefundPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt}})
	require.NoError(t, err)
}

func TestRefundPurchasesRejections(t *testing.T) {
	tests := []struct {
		name   string
		caller common.Address
		now    func(f *fixture) int64
		item   func(f *fixture) RefundPurchaseParams
		ship   bool
		want   error
	}{
		{
			name: "model not exist",
			item: func(f *fixture) RefundPurchaseParams {
				return RefundPurchaseParams{ModelID: "nobody", ExecutionStartAt: f.execAt}
			},
			want: domain.ErrModelNotFound,
		},
		{
			name:   "not purchaser",
			caller: third,
			want:   domain.ErrPurchaseNotFound,
		},
		{
			name: "during shipping",
			now:  func(f *fixture) int64 { return f.preparationStart - 1 },
			want: domain.ErrRefundPurchaseForbidden,
		},
		{
			name: "purchase not exist",
			item: func(f *fixture) RefundPurchaseParams {
				return RefundPurchaseParams{ModelID: "model2", ExecutionStartAt: f.execAt}
			},
			want: domain.ErrPurchaseNotFound,
		},
		{
			name: "already shipped",
			ship: true,
			want: domain.ErrAlreadyShipped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustPredict(t, map[string]uint64{"model1": 1, "model2": 1})
			f.mustPurchase(t, buyer, 1, "model1")
			if tt.ship {
				f.at(f.shippingStart)
				_, err := f.ledger.ShipPurchases(f.ctx, owner, []ShipPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{1}}})
				require.NoError(t, err)
			}

			caller := buyer
			if tt.caller != (common.Address{}) {
				caller = tt.caller
			}
			now := f.preparationStart
			if tt.now != nil {
				now = tt.now(f)
			}
			f.at(now)
			item := RefundPurchaseParams{ModelID: "model1", ExecutionStartAt: f.execAt}
			if tt.item != nil {
				item = tt.item(f)
			}

			escrow := f.ledger.Escrow()
			_, err := f.ledger.RefundPurchases(f.ctx, caller, []RefundPurchaseParams{item})
			require.ErrorIs(t, err, tt.want)
			assert.True(t, escrow.Eq(f.ledger.Escrow()))
			assert.Equal(t, uint64(99), f.balance(t, buyer))
		})
	}
}

// reentrantVault calls back into the ledger from inside Release, the way
// a malicious payee contract would.
type reentrantVault struct {
	*MemoryVault
	onRelease func(ctx context.Context) error
	calls     int
	reentered error
}

func (v *reentrantVault) Release(ctx context.Context, transfers []domain.Transfer) error {
	v.calls++
	if v.calls == 1 && v.onRelease != nil {
		v.reentered = v.onRelease(ctx)
	}
	return v.MemoryVault.Release(ctx, transfers)
}

func TestShipPurchasesReentrancy(t *testing.T) {
	rv := &reentrantVault{MemoryVault: NewMemoryVault()}
	f := newFixture(t, WithVault(rv))
	f.vault = rv.MemoryVault
	require.NoError(t, f.vault.Credit(f.ctx, buyer, uint256.NewInt(100)))

	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.mustPurchase(t, buyer, 1, "model1")
	f.at(f.shippingStart)

	ship := []ShipPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{1}}}
	rv.onRelease = func(ctx context.Context) error {
		_, err := f.ledger.ShipPurchases(ctx, owner, ship)
		return err
	}

	_, err := f.ledger.ShipPurchases(f.ctx, owner, ship)
	require.NoError(t, err)
	require.ErrorIs(t, rv.reentered, domain.ErrAlreadyShipped)
	assert.Equal(t, uint64(1), f.balance(t, owner))
	f.requireConserved(t)
}

func TestRefundPurchasesReentrancy(t *testing.T) {
	rv := &reentrantVault{MemoryVault: NewMemoryVault()}
	f := newFixture(t, WithVault(rv))
	f.vault = rv.MemoryVault
	require.NoError(t, f.vault.Credit(f.ctx, buyer, uint256.NewInt(100)))

	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.mustPurchase(t, buyer, 1, "model1")
	f.at(f.preparationStart)

	refund := []RefundPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt}}
	rv.onRelease = func(ctx context.Context) error {
		_, err := f.ledger.RefundPurchases(ctx, buyer, refund)
		return err
	}

	_, err := f.ledger.RefundPurchases(f.ctx, buyer, refund)
	require.NoError(t, err)
	require.ErrorIs(t, rv.reentered, domain.ErrAlreadyRefunded)
	assert.Equal(t, uint64(100), f.balance(t, buyer))
	f.requireConserved(t)
}

// failingVault rejects every release.
type failingVault struct {
	*MemoryVault
}

var errPayoutFailed = errors.New("payout failed")

func (failingVault) Release(context.Context, []domain.Transfer) error { return errPayoutFailed }

func TestShipPurchasesRollsBackOnTransferFailure(t *testing.T) {
	fv := failingVault{MemoryVault: NewMemoryVault()}
	f := newFixture(t, WithVault(fv))
	f.vault = fv.MemoryVault
	require.NoError(t, f.vault.Credit(f.ctx, buyer, uint256.NewInt(100)))

	f.mustPredict(t, map[string]uint64{"model1": 1})
	f.mustPurchase(t, buyer, 1, "model1")
	f.at(f.shippingStart)
	seq := f.ledger.Seq()

	_, err := f.ledger.ShipPurchases(f.ctx, owner, []ShipPurchaseParams{{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{1}}})
	require.ErrorIs(t, err, errPayoutFailed)

	p, _ := f.ledger.Purchase("model1", f.execAt, buyer)
	assert.True(t, p.Pending())
	assert.Nil(t, p.EncryptedContentKey)
	assert.Equal(t, "1", f.ledger.Escrow().Dec())
	assert.Equal(t, seq, f.ledger.Seq())
	f.requireConserved(t)
}

func TestFundConservation(t *testing.T) {
	f := newFixture(t)
	f.mustPredict(t, map[string]uint64{"model1": 1, "model2": 2, "model3": 4})
	f.mustPurchase(t, buyer, 7, "model1", "model2", "model3")
	f.mustPurchase(t, third, 3, "model1", "model2")
	f.requireConserved(t)
	assert.Equal(t, "10", f.ledger.Escrow().Dec())

	f.at(f.shippingStart)
	_, err := f.ledger.ShipPurchases(f.ctx, owner, []ShipPurchaseParams{
		{ModelID: "model1", ExecutionStartAt: f.execAt, Purchaser: buyer, EncryptedContentKey: []byte{1}},
		{ModelID: "model2", ExecutionStartAt: f.execAt, Purchaser: third, EncryptedContentKey: []byte{1}},
	})
	require.NoError(t, err)
	f.requireConserved(t)

	f.at(f.preparationStart)
	_, err = f.ledger.RefundPurchases(f.ctx, buyer, []RefundPurchaseParams{
		{ModelID: "model2", ExecutionStartAt: f.execAt},
		{ModelID: "model3", ExecutionStartAt: f.execAt},
	})
	require.NoError(t, err)
	_, err = f.ledger.RefundPurchases(f.ctx, third, []RefundPurchaseParams{{ModelID: "model2", ExecutionStartAt: f.execAt}})
	require.ErrorIs(t, err, domain.ErrAlreadyShipped)
	f.requireConserved(t)

	assert.Equal(t, "1", f.ledger.Escrow().Dec())
	assert.Equal(t, uint64(3), f.balance(t, owner))
	assert.Equal(t, uint64(99), f.balance(t, buyer))
	assert.Equal(t, uint64(97), f.balance(t, third))
}
