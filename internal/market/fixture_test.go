package market

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

const minute = int64(60)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	third = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// cryptoDaily anchors at 00:30 UTC with 8 minutes each for prediction,
// purchase and shipping and 6 minutes of preparation.
var cryptoDaily = domain.Tournament{
	ID:                       "crypto_daily",
	ExecutionStartAt:         30 * minute,
	PredictionTime:           8 * minute,
	PurchaseTime:             8 * minute,
	ShippingTime:             8 * minute,
	ExecutionPreparationTime: 6 * minute,
	ExecutionTime:            60 * minute,
	PublicationTime:          15 * minute,
	Description:              "daily crypto forecast",
}

type fixture struct {
	ledger *Ledger
	clock  *ManualClock
	vault  *MemoryVault
	ctx    context.Context

	// slot boundaries for executionStartAt
	execAt           int64
	predictionStart  int64
	purchaseStart    int64
	shippingStart    int64
	preparationStart int64
	publicationStart int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	reg, err := NewTournamentRegistry([]domain.Tournament{cryptoDaily})
	require.NoError(t, err)

	baseDay := (int64(2_000_000_000) / domain.SecondsPerDay) * domain.SecondsPerDay
	execAt := baseDay + 30*minute
	f := &fixture{
		clock:            NewManualClock(unix(0)),
		vault:            NewMemoryVault(),
		ctx:              context.Background(),
		execAt:           execAt,
		predictionStart:  execAt - 30*minute,
		purchaseStart:    execAt - 22*minute,
		shippingStart:    execAt - 14*minute,
		preparationStart: execAt - 6*minute,
		publicationStart: execAt + 60*minute + domain.SecondsPerDay,
	}
	opts = append([]Option{WithClock(f.clock), WithVault(f.vault)}, opts...)
	f.ledger = NewLedger(reg, opts...)

	require.NoError(t, f.vault.Credit(f.ctx, buyer, uint256.NewInt(100)))
	require.NoError(t, f.vault.Credit(f.ctx, third, uint256.NewInt(100)))

	f.mustCreateModels(t, owner, "model1", "model2", "model3")
	f.mustCreateModels(t, buyer, "other_model1")
	return f
}

func (f *fixture) at(sec int64) { f.clock.SetUnix(sec) }

func (f *fixture) mustCreateModels(t *testing.T, caller common.Address, ids ...string) {
	t.Helper()
	batch := make([]CreateModelParams, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, CreateModelParams{ModelID: id, TournamentID: cryptoDaily.ID, PredictionLicense: DefaultLicense})
	}
	_, err := f.ledger.CreateModels(f.ctx, caller, batch)
	require.NoError(t, err)
}

// mustPredict submits predictions for the fixture slot priced as given,
// at the start of the prediction window.
func (f *fixture) mustPredict(t *testing.T, prices map[string]uint64) {
	t.Helper()
	f.at(f.predictionStart)
	batch := make([]CreatePredictionParams, 0, len(prices))
	for id, price := range prices {
		batch = append(batch, CreatePredictionParams{
			ModelID:          id,
			ExecutionStartAt: f.execAt,
			EncryptedContent: []byte{1, 2, 3},
			Price:            uint256.NewInt(price),
		})
	}
	_, err := f.ledger.CreatePredictions(f.ctx, owner, batch)
	require.NoError(t, err)
}

func (f *fixture) mustPurchase(t *testing.T, caller common.Address, value uint64, models ...string) {
	t.Helper()
	f.at(f.purchaseStart)
	_, err := f.ledger.CreatePurchases(f.ctx, caller, uint256.NewInt(value), f.purchaseBatch(models...))
	require.NoError(t, err)
}

func (f *fixture) purchaseBatch(models ...string) []CreatePurchaseParams {
	batch := make([]CreatePurchaseParams, 0, len(models))
	for _, id := range models {
		batch = append(batch, CreatePurchaseParams{ModelID: id, ExecutionStartAt: f.execAt, PublicKey: []byte{1, 2, 3}})
	}
	return batch
}

func (f *fixture) balance(t *testing.T, account common.Address) uint64 {
	t.Helper()
	b, err := f.vault.Balance(f.ctx, account)
	require.NoError(t, err)
	return b.Uint64()
}

// requireConserved checks escrow against pending purchases and the vault.
func (f *fixture) requireConserved(t *testing.T) {
	t.Helper()
	require.Equal(t, f.ledger.PendingTotal().Dec(), f.ledger.Escrow().Dec())
	require.Equal(t, f.ledger.Escrow().Dec(), f.vault.Held().Dec())
}

func names(events []domain.Event) []domain.EventName {
	out := make([]domain.EventName, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name())
	}
	return out
}
