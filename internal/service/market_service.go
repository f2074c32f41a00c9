// Package service sequences ledger calls. It serializes them across
// goroutines (and nodes, when a lock manager is configured), journals every
// accepted call and fans the resulting events out to storage, subscribers
// and notifications.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/market"
)

// ledgerLockKey is the cluster-wide sequencing lock.
const ledgerLockKey = "ledger"

// recentLimit caps the in-memory event log kept when no EventStore is
// configured.
const recentLimit = 10000

// EventPublisher receives every accepted event in sequence order.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.EventRecord) error
}

// Notifier is told about accepted events and degraded operation.
type Notifier interface {
	NotifyEvents(ctx context.Context, events []domain.Event) error
	Alert(ctx context.Context, title, message string) error
}

// Deps are the collaborators of a MarketService. Only Tournaments and
// Treasury are required.
type Deps struct {
	Tournaments *market.TournamentRegistry
	Licenses    []string
	Treasury    domain.Treasury
	Journal     domain.JournalStore
	Events      domain.EventStore
	Publisher   EventPublisher
	Locks       domain.LockManager
	LockTTL     time.Duration
	Notifier    Notifier
	Clock       domain.Clock
	Logger      *slog.Logger
}

// MarketService is the only writer of the ledger.
type MarketService struct {
	mu sync.Mutex

	ledger   *market.Ledger
	clock    *market.ManualClock
	wall     domain.Clock
	vault    *stagedVault
	treasury domain.Treasury

	journal   domain.JournalStore
	events    domain.EventStore
	publisher EventPublisher
	locks     domain.LockManager
	lockTTL   time.Duration
	notifier  Notifier
	logger    *slog.Logger

	journalSeq int64
	pending    *domain.JournalEntry
	replaying  bool
	lastNow    int64
	recent     []domain.EventRecord
	degraded   error
}

// NewMarketService builds an empty ledger. Call Restore before serving.
func NewMarketService(d Deps) *MarketService {
	wall := d.Clock
	if wall == nil {
		wall = market.SystemClock{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTTL := d.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}

	s := &MarketService{
		clock:     market.NewManualClock(wall.Now()),
		wall:      wall,
		vault:     &stagedVault{},
		treasury:  d.Treasury,
		journal:   d.Journal,
		events:    d.Events,
		publisher: d.Publisher,
		locks:     d.Locks,
		lockTTL:   lockTTL,
		notifier:  d.Notifier,
		logger:    logger.With(slog.String("component", "market_service")),
	}
	opts := []market.Option{
		market.WithClock(s.clock),
		market.WithVault(s.vault),
		market.WithCommitHook(s.settleLocked),
	}
	if len(d.Licenses) > 0 {
		opts = append(opts, market.WithLicenses(d.Licenses...))
	}
	s.ledger = market.NewLedger(d.Tournaments, opts...)
	return s
}

// Restore replays the journal into the ledger without moving value. On a
// fresh journal it records the genesis events instead. It returns the
// number of entries replayed.
func (s *MarketService) Restore(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.catchUpLocked(ctx)
	if err != nil {
		return n, err
	}
	if n == 0 {
		genesis := s.ledger.Genesis()
		for i := range genesis {
			genesis[i].ID = genesisID(genesis[i])
		}
		s.deliverLocked(ctx, genesis)
	}
	s.logger.InfoContext(ctx, "market_service: restored",
		slog.Int("entries", n),
		slog.Uint64("seq", s.ledger.Seq()),
	)
	return n, nil
}

// genesisID is stable across restarts and nodes so re-recording genesis is
// idempotent.
func genesisID(e domain.Event) string {
	a := e.Args.(domain.TournamentCreated)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("alphamarket:genesis:"+a.TournamentID)).String()
}

// Degraded returns the journal failure that stopped mutations, if any.
func (s *MarketService) Degraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// CreateModels registers models owned by caller.
func (s *MarketService) CreateModels(ctx context.Context, caller common.Address, batch []market.CreateModelParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpCreateModels, caller, nil, batch)
}

// CreatePredictions lists encrypted predictions for sale.
func (s *MarketService) CreatePredictions(ctx context.Context, caller common.Address, batch []market.CreatePredictionParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpCreatePredictions, caller, nil, batch)
}

// PublishPredictions reveals content key generators.
func (s *MarketService) PublishPredictions(ctx context.Context, caller common.Address, batch []market.PublishPredictionParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpPublishPredictions, caller, nil, batch)
}

// CreatePurchases buys predictions, paying value into escrow.
func (s *MarketService) CreatePurchases(ctx context.Context, caller common.Address, value *uint256.Int, batch []market.CreatePurchaseParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpCreatePurchases, caller, value, batch)
}

// ShipPurchases delivers encrypted content keys and pays the seller.
func (s *MarketService) ShipPurchases(ctx context.Context, caller common.Address, batch []market.ShipPurchaseParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpShipPurchases, caller, nil, batch)
}

// RefundPurchases returns escrow for purchases that were never shipped.
func (s *MarketService) RefundPurchases(ctx context.Context, caller common.Address, batch []market.RefundPurchaseParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpRefundPurchases, caller, nil, batch)
}

// PublishPredictionKey reveals caller's per-slot key generator.
func (s *MarketService) PublishPredictionKey(ctx context.Context, caller common.Address, p PublishPredictionKeyParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpPublishPredictionKey, caller, nil, p)
}

// SendPredictionKeys hands encrypted keys to receivers.
func (s *MarketService) SendPredictionKeys(ctx context.Context, caller common.Address, p SendPredictionKeysParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpSendPredictionKeys, caller, nil, p)
}

// ChangePublicKey sets caller's public key.
func (s *MarketService) ChangePublicKey(ctx context.Context, caller common.Address, p ChangePublicKeyParams) ([]domain.Event, error) {
	return s.execute(ctx, domain.OpChangePublicKey, caller, nil, p)
}

// execute runs one call. The journal entry and the treasury movement are
// stored together before the call is final; if that fails the call is
// reverted and, unless the treasury refused the movement, the service
// refuses further mutations until restarted.
func (s *MarketService) execute(ctx context.Context, op domain.JournalOp, caller common.Address, value *uint256.Int, params any) ([]domain.Event, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("market_service: encode %s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded != nil {
		return nil, domain.ErrDegraded
	}
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, ledgerLockKey, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("market_service: %w", err)
		}
		defer unlock()
		if _, err := s.catchUpLocked(ctx); err != nil {
			s.degradeLocked(ctx, err)
			return nil, domain.ErrDegraded
		}
	}

	// Calls never run at an earlier time than one already applied, whatever
	// the local wall clock says.
	now := max(s.wall.Now().Unix(), s.lastNow)
	entry := domain.JournalEntry{Op: op, Caller: caller, Value: value, Now: now, Params: raw}

	s.pending = &entry
	events, err := s.applyLocked(ctx, entry)
	s.pending = nil
	if err != nil {
		s.logger.DebugContext(ctx, "market_service: call rejected",
			slog.String("op", string(op)),
			slog.String("caller", caller.Hex()),
			slog.String("reason", err.Error()),
		)
		return nil, err
	}

	// The call is durable; finish delivering it even if the client goes
	// away.
	ctx = context.WithoutCancel(ctx)
	for i := range events {
		events[i].ID = uuid.NewString()
	}
	s.deliverLocked(ctx, events)

	s.logger.InfoContext(ctx, "market_service: call accepted",
		slog.String("op", string(op)),
		slog.String("caller", caller.Hex()),
		slog.Int("events", len(events)),
		slog.Uint64("seq", s.ledger.Seq()),
	)
	return events, nil
}

// applyLocked evaluates entry against the ledger at the entry's clock
// reading. Live calls and replay share this path.
func (s *MarketService) applyLocked(ctx context.Context, e domain.JournalEntry) ([]domain.Event, error) {
	s.clock.SetUnix(e.Now)
	s.vault.take()

	events, err := s.dispatchLocked(ctx, e)
	if err != nil {
		return nil, err
	}
	s.lastNow = max(s.lastNow, e.Now)
	return events, nil
}

func (s *MarketService) dispatchLocked(ctx context.Context, e domain.JournalEntry) ([]domain.Event, error) {
	switch e.Op {
	case domain.OpCreateModels:
		var batch []market.CreateModelParams
		if err := decode(e, &batch); err != nil {
			return nil, err
		}
		return s.ledger.CreateModels(ctx, e.Caller, batch)
	case domain.OpCreatePredictions:
		var batch []market.CreatePredictionParams
		if err := decode(e, &batch); err != nil {
			return nil, err
		}
		return s.ledger.CreatePredictions(ctx, e.Caller, batch)
	case domain.OpPublishPredictions:
		var batch []market.PublishPredictionParams
		if err := decode(e, &batch); err != nil {
			return nil, err
		}
		return s.ledger.PublishPredictions(ctx, e.Caller, batch)
	case domain.OpCreatePurchases:
		var batch []market.CreatePurchaseParams
		if err := decode(e, &batch); err != nil {
			return nil, err
		}
		return s.ledger.CreatePurchases(ctx, e.Caller, e.Value, batch)
	case domain.OpShipPurchases:
		var batch []market.ShipPurchaseParams
		if err := decode(e, &batch); err != nil {
			return nil, err
		}
		return s.ledger.ShipPurchases(ctx, e.Caller, batch)
	case domain.OpRefundPurchases:
		var batch []market.RefundPurchaseParams
		if err := decode(e, &batch); err != nil {
			return nil, err
		}
		return s.ledger.RefundPurchases(ctx, e.Caller, batch)
	case domain.OpPublishPredictionKey:
		var p PublishPredictionKeyParams
		if err := decode(e, &p); err != nil {
			return nil, err
		}
		return s.ledger.PublishPredictionKey(ctx, e.Caller, p.TournamentID, p.ExecutionStartAt, p.ContentKeyGenerator)
	case domain.OpSendPredictionKeys:
		var p SendPredictionKeysParams
		if err := decode(e, &p); err != nil {
			return nil, err
		}
		return s.ledger.SendPredictionKeys(ctx, e.Caller, p.TournamentID, p.ExecutionStartAt, p.Keys)
	case domain.OpChangePublicKey:
		var p ChangePublicKeyParams
		if err := decode(e, &p); err != nil {
			return nil, err
		}
		return s.ledger.ChangePublicKey(ctx, e.Caller, p.PublicKey)
	default:
		return nil, fmt.Errorf("market_service: unknown op %q", e.Op)
	}
}

func decode(e domain.JournalEntry, dst any) error {
	if err := json.Unmarshal(e.Params, dst); err != nil {
		return fmt.Errorf("market_service: decode %s params: %w", e.Op, err)
	}
	return nil
}

// catchUpLocked applies journal entries this process has not seen yet,
// with value movement switched off.
func (s *MarketService) catchUpLocked(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	s.replaying = true
	defer func() { s.replaying = false }()

	n := 0
	err := s.journal.Replay(ctx, s.journalSeq, func(e domain.JournalEntry) error {
		if _, err := s.applyLocked(ctx, e); err != nil {
			return fmt.Errorf("replay journal %d (%s): %w", e.Seq, e.Op, err)
		}
		s.journalSeq = e.Seq
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("market_service: %w", err)
	}
	return n, nil
}

// settleLocked is the ledger's commit hook. It runs after a call changed
// ledger state and before the call is final; an error reverts the call.
// Replayed entries were settled when they were first accepted.
func (s *MarketService) settleLocked(ctx context.Context) error {
	move := s.vault.take()
	if s.replaying || s.pending == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	if s.journal == nil {
		return s.moveLocked(ctx, move)
	}
	seq, err := s.journal.Append(ctx, *s.pending, move)
	if err != nil {
		if _, ok := domain.AsRejection(err); ok {
			return err
		}
		// The append may or may not have landed; only a restart from the
		// journal brings the ledger back in line with it.
		s.degradeLocked(ctx, fmt.Errorf("journal append %s: %w", s.pending.Op, err))
		return errors.Join(domain.ErrDegraded, err)
	}
	s.journalSeq = seq
	return nil
}

// moveLocked applies move to the treasury when there is no journal to
// settle it with.
func (s *MarketService) moveLocked(ctx context.Context, move domain.Movement) error {
	if move.Collected != nil && !move.Collected.IsZero() {
		if err := s.treasury.Collect(ctx, move.Payer, move.Collected); err != nil {
			return err
		}
	}
	if len(move.Released) > 0 {
		return s.treasury.Release(ctx, move.Released)
	}
	return nil
}

// deliverLocked persists and fans out events in sequence order. Failures
// here are logged; the journal remains the source of truth.
func (s *MarketService) deliverLocked(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	records := make([]domain.EventRecord, 0, len(events))
	for _, e := range events {
		rec, err := e.Record()
		if err != nil {
			s.logger.ErrorContext(ctx, "market_service: encode event",
				slog.Uint64("seq", e.Seq),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, rec)
	}

	if s.events != nil {
		if err := s.events.InsertBatch(ctx, records); err != nil {
			s.logger.ErrorContext(ctx, "market_service: store events",
				slog.Int("count", len(records)),
				slog.String("error", err.Error()),
			)
		}
	} else {
		s.recent = append(s.recent, records...)
		if over := len(s.recent) - recentLimit; over > 0 {
			s.recent = append([]domain.EventRecord(nil), s.recent[over:]...)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, records); err != nil {
			s.logger.WarnContext(ctx, "market_service: publish events",
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		go func(events []domain.Event) {
			nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.notifier.NotifyEvents(nctx, events); err != nil {
				s.logger.Warn("market_service: notify events", slog.String("error", err.Error()))
			}
		}(events)
	}
}

func (s *MarketService) degradeLocked(ctx context.Context, err error) {
	if s.degraded != nil {
		return
	}
	s.degraded = err
	s.logger.ErrorContext(ctx, "market_service: degraded, refusing mutations",
		slog.String("error", err.Error()),
	)
	if s.notifier != nil {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = s.notifier.Alert(nctx, "Ledger degraded", err.Error())
		}()
	}
}

// Events lists stored events, or the in-memory tail when no EventStore is
// configured.
func (s *MarketService) Events(ctx context.Context, filter domain.EventFilter) ([]domain.EventRecord, error) {
	if s.events != nil {
		return s.events.List(ctx, filter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventRecord
	skipped := 0
	for _, r := range s.recent {
		if r.Seq <= filter.AfterSeq || (filter.Name != "" && r.Name != filter.Name) {
			continue
		}
		ts := time.Unix(r.Timestamp, 0)
		if (filter.Since != nil && ts.Before(*filter.Since)) || (filter.Until != nil && ts.After(*filter.Until)) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Credit adds spendable balance to an account.
func (s *MarketService) Credit(ctx context.Context, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return domain.ErrPriceNotPositive
	}
	if err := s.treasury.Credit(ctx, account, amount); err != nil {
		return fmt.Errorf("market_service: credit %s: %w", account.Hex(), err)
	}
	s.logger.InfoContext(ctx, "market_service: account credited",
		slog.String("account", account.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return nil
}

// Balance returns an account's spendable balance.
func (s *MarketService) Balance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return s.treasury.Balance(ctx, account)
}

// Health reports nil while the service accepts mutations.
func (s *MarketService) Health(context.Context) error {
	if err := s.Degraded(); err != nil {
		return errors.Join(domain.ErrDegraded, err)
	}
	return nil
}
