package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// txTable buffers writes over a committed map until commit.
type txTable[K comparable, V any] struct {
	base   map[K]V
	writes map[K]V
}

func newTxTable[K comparable, V any](base map[K]V) *txTable[K, V] {
	return &txTable[K, V]{base: base}
}

func (t *txTable[K, V]) get(k K) (V, bool) {
	if v, ok := t.writes[k]; ok {
		return v, true
	}
	v, ok := t.base[k]
	return v, ok
}

func (t *txTable[K, V]) put(k K, v V) {
	if t.writes == nil {
		t.writes = make(map[K]V)
	}
	t.writes[k] = v
}

// commit publishes the writes and returns a func that restores the rows
// they replaced.
func (t *txTable[K, V]) commit() func() {
	type prior struct {
		v  V
		ok bool
	}
	saved := make(map[K]prior, len(t.writes))
	for k, v := range t.writes {
		old, ok := t.base[k]
		saved[k] = prior{v: old, ok: ok}
		t.base[k] = v
	}
	return func() {
		for k, p := range saved {
			if p.ok {
				t.base[k] = p.v
			} else {
				delete(t.base, k)
			}
		}
	}
}

// state is everything the ledger owns.
type state struct {
	models      map[string]domain.Model
	predictions map[domain.SlotKey]domain.Prediction
	purchases   map[domain.PurchaseKey]domain.Purchase
	keys        map[domain.PredictionKeyID]domain.PredictionKey
	deliveries  map[domain.DeliveryKey]domain.KeyDelivery
	publicKeys  map[common.Address]domain.PublicKeyRecord
	escrow      *uint256.Int
}

func newState() *state {
	return &state{
		models:      make(map[string]domain.Model),
		predictions: make(map[domain.SlotKey]domain.Prediction),
		purchases:   make(map[domain.PurchaseKey]domain.Purchase),
		keys:        make(map[domain.PredictionKeyID]domain.PredictionKey),
		deliveries:  make(map[domain.DeliveryKey]domain.KeyDelivery),
		publicKeys:  make(map[common.Address]domain.PublicKeyRecord),
		escrow:      new(uint256.Int),
	}
}

// tx is one ledger call's pending mutation. Nothing is visible outside
// the call until commit.
type tx struct {
	models      *txTable[string, domain.Model]
	predictions *txTable[domain.SlotKey, domain.Prediction]
	purchases   *txTable[domain.PurchaseKey, domain.Purchase]
	keys        *txTable[domain.PredictionKeyID, domain.PredictionKey]
	deliveries  *txTable[domain.DeliveryKey, domain.KeyDelivery]
	publicKeys  *txTable[common.Address, domain.PublicKeyRecord]

	escrowIn  *uint256.Int
	escrowOut *uint256.Int
	events    []domain.EventArgs
}

func (s *state) begin() *tx {
	return &tx{
		models:      newTxTable(s.models),
		predictions: newTxTable(s.predictions),
		purchases:   newTxTable(s.purchases),
		keys:        newTxTable(s.keys),
		deliveries:  newTxTable(s.deliveries),
		publicKeys:  newTxTable(s.publicKeys),
		escrowIn:    new(uint256.Int),
		escrowOut:   new(uint256.Int),
	}
}

func (x *tx) emit(args domain.EventArgs) {
	x.events = append(x.events, args)
}

// commit applies x to s. The returned undo reverts exactly x's rows and
// escrow movement, leaving anything committed since untouched.
func (x *tx) commit(s *state) (undo func()) {
	undos := []func(){
		x.models.commit(),
		x.predictions.commit(),
		x.purchases.commit(),
		x.keys.commit(),
		x.deliveries.commit(),
		x.publicKeys.commit(),
	}
	s.escrow = new(uint256.Int).Sub(new(uint256.Int).Add(s.escrow, x.escrowIn), x.escrowOut)

	return func() {
		s.escrow = new(uint256.Int).Add(new(uint256.Int).Sub(s.escrow, x.escrowIn), x.escrowOut)
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}
}
