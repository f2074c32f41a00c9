package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// escrowAccount is the accounts row holding collected purchase value.
var escrowAccount = common.Address{}

// AccountStore implements domain.Treasury with balances kept as
// NUMERIC(78,0) rows.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection
// pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const (
	debitQuery = `
		UPDATE accounts SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE account = $1 AND balance >= $2::numeric`
	creditQuery = `
		INSERT INTO accounts (account, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (account) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()`
)

// Collect moves amount from the caller's balance into escrow.
func (s *AccountStore) Collect(ctx context.Context, from common.Address, amount *uint256.Int) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return applyMovement(ctx, tx, domain.Movement{Payer: from, Collected: amount})
	})
}

// Release pays escrow out to every transfer target atomically.
func (s *AccountStore) Release(ctx context.Context, transfers []domain.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return applyMovement(ctx, tx, domain.Movement{Released: transfers})
	})
}

// Balance returns the spendable balance of account, zero when unknown.
func (s *AccountStore) Balance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	var dec string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE account = $1`, account.Hex()).Scan(&dec)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: balance of %s: %w", account.Hex(), err)
	}
	v, err := uint256.FromDecimal(dec)
	if err != nil {
		return nil, fmt.Errorf("postgres: balance of %s: %w", account.Hex(), err)
	}
	return v, nil
}

// Credit adds amount to account's spendable balance.
func (s *AccountStore) Credit(ctx context.Context, account common.Address, amount *uint256.Int) error {
	return credit(ctx, s.pool, account, amount)
}

func (s *AccountStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return inTx(ctx, s.pool, fn)
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// applyMovement debits before it credits so an overdraft fails the whole
// transaction.
func applyMovement(ctx context.Context, db execer, m domain.Movement) error {
	if m.Collected != nil && !m.Collected.IsZero() {
		if err := debit(ctx, db, m.Payer, m.Collected); err != nil {
			return fmt.Errorf("postgres: collect %s from %s: %w", m.Collected.Dec(), m.Payer.Hex(), err)
		}
		if err := credit(ctx, db, escrowAccount, m.Collected); err != nil {
			return err
		}
	}
	if len(m.Released) == 0 {
		return nil
	}
	total := new(uint256.Int)
	for _, t := range m.Released {
		total = new(uint256.Int).Add(total, t.Amount)
	}
	if err := debit(ctx, db, escrowAccount, total); err != nil {
		return fmt.Errorf("postgres: release %s from escrow: %w", total.Dec(), err)
	}
	for _, t := range m.Released {
		if err := credit(ctx, db, t.To, t.Amount); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func debit(ctx context.Context, db execer, account common.Address, amount *uint256.Int) error {
	tag, err := db.Exec(ctx, debitQuery, account.Hex(), amount.Dec())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientFund
	}
	return nil
}

func credit(ctx context.Context, db execer, account common.Address, amount *uint256.Int) error {
	if _, err := db.Exec(ctx, creditQuery, account.Hex(), amount.Dec()); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", account.Hex(), err)
	}
	return nil
}
