package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transfer moves escrowed value out to an account.
type Transfer struct {
	To     common.Address
	Amount *uint256.Int
}

// Vault is where purchase value actually lives. Collect pulls value
// attached to a purchase call into escrow, Release pays escrow out.
// Either may call back into the ledger before returning.
type Vault interface {
	Collect(ctx context.Context, from common.Address, amount *uint256.Int) error
	Release(ctx context.Context, transfers []Transfer) error
}

// Treasury is a Vault that also keeps spendable account balances.
type Treasury interface {
	Vault
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
	Credit(ctx context.Context, account common.Address, amount *uint256.Int) error
}

// Clock supplies the time a ledger call is evaluated at.
type Clock interface {
	Now() time.Time
}
