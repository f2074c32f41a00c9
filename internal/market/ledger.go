// Package market is the phase-gated prediction marketplace: model
// registry, prediction ledger, purchase escrow and key distribution.
//
// A Ledger is not safe for concurrent use. Callers sequence mutating
// calls; the ledger itself takes no locks so that a Vault may call back
// into it while a call is settling.
package market

import (
	"context"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// DefaultLicense is the only license accepted unless configured otherwise.
const DefaultLicense = "CC0-1.0"

var modelIDPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{3,30}$`)

// ValidModelID reports whether id is 4-31 characters of [a-z0-9_] not
// starting with a digit.
func ValidModelID(id string) bool {
	return modelIDPattern.MatchString(id)
}

// Ledger owns all marketplace state.
type Ledger struct {
	tournaments *TournamentRegistry
	licenses    map[string]struct{}
	clock       domain.Clock
	vault       domain.Vault
	onCommit    func(context.Context) error
	st          *state
	seq         uint64
	genesis     []domain.Event
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c domain.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithVault sets where escrowed value is held. Defaults to a MemoryVault.
func WithVault(v domain.Vault) Option {
	return func(l *Ledger) { l.vault = v }
}

// WithCommitHook sets a func run at the end of every accepted mutating
// call, after its value movement. An error from it reverts the ledger
// state but not the vault, so pair it with a vault that only records
// movements for the hook to persist.
func WithCommitHook(fn func(context.Context) error) Option {
	return func(l *Ledger) { l.onCommit = fn }
}

// WithLicenses replaces the allowed prediction licenses.
func WithLicenses(licenses ...string) Option {
	return func(l *Ledger) {
		l.licenses = make(map[string]struct{}, len(licenses))
		for _, lic := range licenses {
			l.licenses[lic] = struct{}{}
		}
	}
}

// NewLedger returns an empty ledger serving tournaments. One
// TournamentCreated event per tournament is available from Genesis.
func NewLedger(tournaments *TournamentRegistry, opts ...Option) *Ledger {
	l := &Ledger{
		tournaments: tournaments,
		licenses:    map[string]struct{}{DefaultLicense: {}},
		clock:       SystemClock{},
		st:          newState(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.vault == nil {
		l.vault = NewMemoryVault()
	}
	l.genesis = l.stamp(0, tournaments.genesis())
	return l
}

// Genesis returns the TournamentCreated events.
func (l *Ledger) Genesis() []domain.Event {
	return append([]domain.Event(nil), l.genesis...)
}

// Tournaments returns the registry the ledger was built with.
func (l *Ledger) Tournaments() *TournamentRegistry { return l.tournaments }

// Seq returns the sequence number of the last emitted event.
func (l *Ledger) Seq() uint64 { return l.seq }

func (l *Ledger) now() int64 { return l.clock.Now().Unix() }

// settle commits x, runs the value movement if any, then the commit hook,
// and emits x's events. The state flip happens before interact so a
// reentrant call observes it; a failure in either step reverts the call.
func (l *Ledger) settle(ctx context.Context, x *tx, now int64, interact func(context.Context) error) ([]domain.Event, error) {
	undo := x.commit(l.st)
	if interact != nil {
		if err := interact(ctx); err != nil {
			undo()
			return nil, err
		}
	}
	if l.onCommit != nil {
		if err := l.onCommit(ctx); err != nil {
			undo()
			return nil, err
		}
	}
	return l.stamp(now, x.events), nil
}

func (l *Ledger) stamp(now int64, args []domain.EventArgs) []domain.Event {
	out := make([]domain.Event, 0, len(args))
	for _, a := range args {
		l.seq++
		out = append(out, domain.Event{Seq: l.seq, Timestamp: now, Args: a})
	}
	return out
}

// Tournament returns the tournament and whether it exists.
func (l *Ledger) Tournament(id string) (domain.Tournament, bool) {
	return l.tournaments.Lookup(id)
}

// Model returns the model and whether it exists.
func (l *Ledger) Model(id string) (domain.Model, bool) {
	m, ok := l.st.models[id]
	return m, ok
}

// Prediction returns the prediction for a slot and whether it exists.
func (l *Ledger) Prediction(modelID string, executionStartAt int64) (domain.Prediction, bool) {
	p, ok := l.st.predictions[domain.SlotKey{ModelID: modelID, ExecutionStartAt: executionStartAt}]
	return p, ok
}

// Purchase returns a purchaser's claim on a slot and whether it exists.
func (l *Ledger) Purchase(modelID string, executionStartAt int64, purchaser common.Address) (domain.Purchase, bool) {
	p, ok := l.st.purchases[domain.PurchaseKey{ModelID: modelID, ExecutionStartAt: executionStartAt, Purchaser: purchaser}]
	return p, ok
}

// PredictionKey returns the owner-wide key record for a tournament slot.
func (l *Ledger) PredictionKey(owner common.Address, tournamentID string, executionStartAt int64) (domain.PredictionKey, bool) {
	k, ok := l.st.keys[domain.PredictionKeyID{Owner: owner, TournamentID: tournamentID, ExecutionStartAt: executionStartAt}]
	return k, ok
}

// Delivery returns the content key owner last sent to receiver for a slot.
func (l *Ledger) Delivery(owner common.Address, tournamentID string, executionStartAt int64, receiver common.Address) (domain.KeyDelivery, bool) {
	d, ok := l.st.deliveries[domain.DeliveryKey{
		PredictionKeyID: domain.PredictionKeyID{Owner: owner, TournamentID: tournamentID, ExecutionStartAt: executionStartAt},
		Receiver:        receiver,
	}]
	return d, ok
}

// PublicKey returns the key others should encrypt deliveries to.
func (l *Ledger) PublicKey(owner common.Address) (domain.PublicKeyRecord, bool) {
	r, ok := l.st.publicKeys[owner]
	return r, ok
}

// Escrow returns the value currently held for pending purchases.
func (l *Ledger) Escrow() *uint256.Int {
	return l.st.escrow.Clone()
}

// PendingTotal sums the prices of purchases neither shipped nor refunded.
// It always equals Escrow.
func (l *Ledger) PendingTotal() *uint256.Int {
	total := new(uint256.Int)
	for _, p := range l.st.purchases {
		if p.Pending() {
			total = new(uint256.Int).Add(total, p.Price)
		}
	}
	return total
}

// PhaseOf returns the phase of a tournament slot at the current time.
func (l *Ledger) PhaseOf(tournamentID string, executionStartAt int64) (Phase, bool) {
	t, ok := l.tournaments.Lookup(tournamentID)
	if !ok {
		return 0, false
	}
	return PhaseAt(l.now(), executionStartAt, t), true
}
