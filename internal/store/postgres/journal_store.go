package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// JournalStore implements domain.JournalStore using PostgreSQL.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore creates a new JournalStore backed by the given connection
// pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Append stores entry and applies move to the accounts table in the same
// transaction, returning the entry's sequence number. An overdraft rolls
// both back and reports domain.ErrInsufficientFund.
func (s *JournalStore) Append(ctx context.Context, entry domain.JournalEntry, move domain.Movement) (int64, error) {
	var value *string
	if entry.Value != nil {
		v := entry.Value.Dec()
		value = &v
	}
	const query = `
		INSERT INTO journal (op, caller, value, now_unix, params)
		VALUES ($1, $2, $3::numeric, $4, $5)
		RETURNING seq`

	var seq int64
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := applyMovement(ctx, tx, move); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, query,
			string(entry.Op), entry.Caller.Hex(), value, entry.Now, []byte(entry.Params),
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("postgres: append journal %s: %w", entry.Op, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Replay calls fn with every entry after afterSeq in acceptance order and
// stops at the first error fn returns.
func (s *JournalStore) Replay(ctx context.Context, afterSeq int64, fn func(domain.JournalEntry) error) error {
	const query = `
		SELECT seq, op, caller, value::text, now_unix, params, recorded_at
		FROM journal WHERE seq > $1 ORDER BY seq ASC`
	rows, err := s.pool.Query(ctx, query, afterSeq)
	if err != nil {
		return fmt.Errorf("postgres: replay journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      domain.JournalEntry
			op     string
			caller string
			value  *string
			params []byte
		)
		if err := rows.Scan(&e.Seq, &op, &caller, &value, &e.Now, &params, &e.RecordedAt); err != nil {
			return fmt.Errorf("postgres: scan journal entry: %w", err)
		}
		e.Op = domain.JournalOp(op)
		e.Caller = common.HexToAddress(caller)
		e.Params = params
		if value != nil {
			v, err := uint256.FromDecimal(*value)
			if err != nil {
				return fmt.Errorf("postgres: journal %d value %q: %w", e.Seq, *value, err)
			}
			e.Value = v
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: replay journal rows: %w", err)
	}
	return nil
}
