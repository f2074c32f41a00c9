package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
	"github.com/alanyoungcy/alphamarket/internal/market"
)

// TournamentView is a tournament with the phase one of its slots is in.
type TournamentView struct {
	domain.Tournament
	Phase            string `json:"phase,omitempty"`
	ExecutionStartAt int64  `json:"slot,omitempty"`
}

// Tournaments lists every configured tournament in configuration order.
func (s *MarketService) Tournaments() []domain.Tournament {
	return s.ledger.Tournaments().All()
}

// Tournament returns one tournament.
func (s *MarketService) Tournament(id string) (domain.Tournament, bool) {
	return s.ledger.Tournament(id)
}

// TournamentAt returns a tournament with the phase the slot starting at
// executionStartAt is in now. Slots that are not on the tournament's daily
// anchor report no phase.
func (s *MarketService) TournamentAt(id string, executionStartAt int64) (TournamentView, bool) {
	t, ok := s.ledger.Tournament(id)
	if !ok {
		return TournamentView{}, false
	}
	view := TournamentView{Tournament: t}
	if !t.ValidSlot(executionStartAt) {
		return view, true
	}
	if phase, ok := s.Phase(id, executionStartAt); ok {
		view.Phase = phase.String()
		view.ExecutionStartAt = executionStartAt
	}
	return view, true
}

// Phase returns the phase a tournament slot is in right now.
func (s *MarketService) Phase(tournamentID string, executionStartAt int64) (market.Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.Set(s.wall.Now())
	return s.ledger.PhaseOf(tournamentID, executionStartAt)
}

// Model returns a model by id.
func (s *MarketService) Model(id string) (domain.Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Model(id)
}

// Prediction returns the prediction of a model slot.
func (s *MarketService) Prediction(modelID string, executionStartAt int64) (domain.Prediction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Prediction(modelID, executionStartAt)
}

// Purchase returns one purchaser's purchase of a model slot.
func (s *MarketService) Purchase(modelID string, executionStartAt int64, purchaser common.Address) (domain.Purchase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Purchase(modelID, executionStartAt, purchaser)
}

// PredictionKey returns an owner's key record for a tournament slot.
func (s *MarketService) PredictionKey(owner common.Address, tournamentID string, executionStartAt int64) (domain.PredictionKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.PredictionKey(owner, tournamentID, executionStartAt)
}

// Delivery returns the key an owner last sent to receiver for a slot.
func (s *MarketService) Delivery(owner common.Address, tournamentID string, executionStartAt int64, receiver common.Address) (domain.KeyDelivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Delivery(owner, tournamentID, executionStartAt, receiver)
}

// PublicKey returns an account's registered public key.
func (s *MarketService) PublicKey(owner common.Address) (domain.PublicKeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.PublicKey(owner)
}

// EscrowSummary is the ledger's view of escrowed value.
type EscrowSummary struct {
	Escrow  *uint256.Int `json:"escrow"`
	Pending *uint256.Int `json:"pending"`
	Seq     uint64       `json:"seq"`
}

// Escrow returns escrow totals.
func (s *MarketService) Escrow() EscrowSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EscrowSummary{
		Escrow:  s.ledger.Escrow(),
		Pending: s.ledger.PendingTotal(),
		Seq:     s.ledger.Seq(),
	}
}

// Verify checks that escrow matches the pending purchases and, for a
// treasury that tracks it, the escrow balance it holds.
func (s *MarketService) Verify(ctx context.Context) (EscrowSummary, error) {
	sum := s.Escrow()
	if !sum.Escrow.Eq(sum.Pending) {
		return sum, fmt.Errorf("market_service: escrow %s != pending %s", sum.Escrow.Dec(), sum.Pending.Dec())
	}
	held, err := s.treasury.Balance(ctx, common.Address{})
	if err != nil {
		return sum, fmt.Errorf("market_service: treasury escrow: %w", err)
	}
	if !held.Eq(sum.Escrow) {
		return sum, fmt.Errorf("market_service: treasury holds %s, ledger escrow %s", held.Dec(), sum.Escrow.Dec())
	}
	return sum, nil
}
