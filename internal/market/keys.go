package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// SendPredictionKeyParams is one item of a SendPredictionKeys batch.
type SendPredictionKeyParams struct {
	Receiver            common.Address `json:"receiver"`
	EncryptedContentKey hexutil.Bytes  `json:"encryptedContentKey"`
}

// PublishPredictionKey reveals one generator covering all of caller's
// predictions in a tournament slot.
func (l *Ledger) PublishPredictionKey(ctx context.Context, caller common.Address, tournamentID string, executionStartAt int64, generator []byte) ([]domain.Event, error) {
	now := l.now()
	t, ok := l.tournaments.Lookup(tournamentID)
	if !ok {
		return nil, domain.ErrTournamentNotFound
	}
	if len(generator) == 0 {
		return nil, domain.ErrEmptyGenerator
	}
	if PhaseAt(now, executionStartAt, t) != PhasePublication {
		return nil, domain.ErrPublishPredictionForbidden
	}

	x := l.st.begin()
	id := domain.PredictionKeyID{Owner: caller, TournamentID: tournamentID, ExecutionStartAt: executionStartAt}
	rec := keyRecord(x, id)
	if rec.Published {
		return nil, domain.ErrAlreadyPublished
	}
	rec.Published = true
	rec.ContentKey = crypto.OwnerKeyCommitment(generator, caller)
	rec.UpdatedAt = now
	x.keys.put(id, rec)
	x.emit(domain.PredictionKeyPublished{
		Owner:            caller,
		TournamentID:     tournamentID,
		ExecutionStartAt: executionStartAt,
		ContentKey:       rec.ContentKey,
	})
	return l.settle(ctx, x, now, nil)
}

// SendPredictionKeys hands encrypted content keys to other participants
// during the purchase window. It only touches the advisory sent counter
// and the delivery records.
func (l *Ledger) SendPredictionKeys(ctx context.Context, caller common.Address, tournamentID string, executionStartAt int64, batch []SendPredictionKeyParams) ([]domain.Event, error) {
	now := l.now()
	if len(batch) == 0 {
		return nil, domain.ErrEmptyParams
	}
	t, ok := l.tournaments.Lookup(tournamentID)
	if !ok {
		return nil, domain.ErrTournamentNotFound
	}

	x := l.st.begin()
	id := domain.PredictionKeyID{Owner: caller, TournamentID: tournamentID, ExecutionStartAt: executionStartAt}
	for i, p := range batch {
		if p.Receiver == caller {
			return nil, domain.AtIndex(i, domain.ErrSelfSend)
		}
		if len(p.EncryptedContentKey) == 0 {
			return nil, domain.AtIndex(i, domain.ErrEmptyContentKey)
		}
		key := append(hexutil.Bytes(nil), p.EncryptedContentKey...)
		x.deliveries.put(domain.DeliveryKey{PredictionKeyID: id, Receiver: p.Receiver}, domain.KeyDelivery{
			Owner:               caller,
			TournamentID:        tournamentID,
			ExecutionStartAt:    executionStartAt,
			Receiver:            p.Receiver,
			EncryptedContentKey: key,
			CreatedAt:           now,
		})
		x.emit(domain.PredictionKeySent{
			Owner:               caller,
			TournamentID:        tournamentID,
			ExecutionStartAt:    executionStartAt,
			Receiver:            p.Receiver,
			EncryptedContentKey: key,
		})
	}
	if PhaseAt(now, executionStartAt, t) != PhasePurchase {
		return nil, domain.ErrSendPredictionKeysForbidden
	}

	rec := keyRecord(x, id)
	rec.SentCount += uint64(len(batch))
	rec.UpdatedAt = now
	x.keys.put(id, rec)
	return l.settle(ctx, x, now, nil)
}

// ChangePublicKey replaces caller's public key. Always allowed.
func (l *Ledger) ChangePublicKey(ctx context.Context, caller common.Address, publicKey []byte) ([]domain.Event, error) {
	now := l.now()
	if len(publicKey) == 0 {
		return nil, domain.ErrEmptyPublicKey
	}

	x := l.st.begin()
	key := append(hexutil.Bytes(nil), publicKey...)
	x.publicKeys.put(caller, domain.PublicKeyRecord{Owner: caller, PublicKey: key, UpdatedAt: now})
	x.emit(domain.PublicKeyChanged{Owner: caller, PublicKey: key})
	return l.settle(ctx, x, now, nil)
}

func keyRecord(x *tx, id domain.PredictionKeyID) domain.PredictionKey {
	rec, ok := x.keys.get(id)
	if !ok {
		rec = domain.PredictionKey{
			Owner:            id.Owner,
			TournamentID:     id.TournamentID,
			ExecutionStartAt: id.ExecutionStartAt,
		}
	}
	return rec
}
