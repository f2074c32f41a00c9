package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// CreateModelParams is one item of a CreateModels batch.
type CreateModelParams struct {
	ModelID           string `json:"modelId"`
	TournamentID      string `json:"tournamentId"`
	PredictionLicense string `json:"predictionLicense"`
}

// CreateModels registers every model in batch under caller, or none.
func (l *Ledger) CreateModels(ctx context.Context, caller common.Address, batch []CreateModelParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}

	x := l.st.begin()
	for i, p := range batch {
		if err := l.createModel(x, now, caller, p); err != nil {
			return nil, domain.AtIndex(i, err)
		}
	}
	return l.settle(ctx, x, now, nil)
}

func (l *Ledger) createModel(x *tx, now int64, caller common.Address, p CreateModelParams) error {
	if !ValidModelID(p.ModelID) {
		return domain.ErrInvalidModelID
	}
	if _, ok := l.tournaments.Lookup(p.TournamentID); !ok {
		return domain.ErrTournamentNotFound
	}
	if _, ok := l.licenses[p.PredictionLicense]; !ok {
		return domain.ErrUnsupportedLicense
	}
	if _, exists := x.models.get(p.ModelID); exists {
		return domain.ErrModelExists
	}

	x.models.put(p.ModelID, domain.Model{
		ID:                p.ModelID,
		Owner:             caller,
		TournamentID:      p.TournamentID,
		PredictionLicense: p.PredictionLicense,
		CreatedAt:         now,
	})
	x.emit(domain.ModelCreated{
		ModelID:           p.ModelID,
		Owner:             caller,
		TournamentID:      p.TournamentID,
		PredictionLicense: p.PredictionLicense,
	})
	return nil
}

// ownedModel resolves a model and its tournament, requiring caller to own it.
func (l *Ledger) ownedModel(x *tx, caller common.Address, modelID string) (domain.Model, domain.Tournament, error) {
	m, t, err := l.model(x, modelID)
	if err != nil {
		return m, t, err
	}
	if m.Owner != caller {
		return m, t, domain.ErrModelOwnerOnly
	}
	return m, t, nil
}

func (l *Ledger) model(x *tx, modelID string) (domain.Model, domain.Tournament, error) {
	m, ok := x.models.get(modelID)
	if !ok {
		return domain.Model{}, domain.Tournament{}, domain.ErrModelNotFound
	}
	return m, l.tournaments.Get(m.TournamentID), nil
}
