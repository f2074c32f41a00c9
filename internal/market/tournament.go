package market

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// TournamentRegistry is the immutable set of tournaments a ledger serves.
type TournamentRegistry struct {
	byID  map[string]domain.Tournament
	order []string
}

// NewTournamentRegistry builds a registry from configs. Duplicate or
// blank identifiers and negative durations are construction errors.
func NewTournamentRegistry(configs []domain.Tournament) (*TournamentRegistry, error) {
	r := &TournamentRegistry{byID: make(map[string]domain.Tournament, len(configs))}
	for i, t := range configs {
		if t.ID == "" {
			return nil, fmt.Errorf("tournament %d: empty id", i)
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("tournament %q: duplicate id", t.ID)
		}
		if t.PredictionTime < 0 || t.PurchaseTime < 0 || t.ShippingTime < 0 ||
			t.ExecutionPreparationTime < 0 || t.ExecutionTime < 0 || t.PublicationTime < 0 {
			return nil, fmt.Errorf("tournament %q: negative duration", t.ID)
		}
		r.byID[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	return r, nil
}

// Get returns the tournament or the zero value when id is unknown.
func (r *TournamentRegistry) Get(id string) domain.Tournament {
	return r.byID[id]
}

// Lookup returns the tournament and whether it exists.
func (r *TournamentRegistry) Lookup(id string) (domain.Tournament, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// All returns the tournaments in construction order.
func (r *TournamentRegistry) All() []domain.Tournament {
	out := make([]domain.Tournament, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns the sorted tournament identifiers.
func (r *TournamentRegistry) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

func (r *TournamentRegistry) genesis() []domain.EventArgs {
	out := make([]domain.EventArgs, 0, len(r.order))
	for _, t := range r.All() {
		out = append(out, domain.TournamentCreated{
			TournamentID:             t.ID,
			ExecutionStartAt:         t.ExecutionStartAt,
			PredictionTime:           t.PredictionTime,
			PurchaseTime:             t.PurchaseTime,
			ShippingTime:             t.ShippingTime,
			ExecutionPreparationTime: t.ExecutionPreparationTime,
			ExecutionTime:            t.ExecutionTime,
			PublicationTime:          t.PublicationTime,
			Description:              t.Description,
		})
	}
	return out
}
