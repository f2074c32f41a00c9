package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// MemoryVault is an in-process Treasury. Collect debits the payer's
// balance into escrow; Release pays escrow out to account balances.
type MemoryVault struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	held     *uint256.Int
}

// NewMemoryVault returns an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		balances: make(map[common.Address]*uint256.Int),
		held:     new(uint256.Int),
	}
}

func (v *MemoryVault) Collect(_ context.Context, from common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("vault: collect %s from %s: %w", amount.Dec(), from.Hex(), domain.ErrInsufficientFund)
	}
	v.balances[from] = new(uint256.Int).Sub(bal, amount)
	v.held = new(uint256.Int).Add(v.held, amount)
	return nil
}

func (v *MemoryVault) Release(_ context.Context, transfers []domain.Transfer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	total := new(uint256.Int)
	for _, t := range transfers {
		total = new(uint256.Int).Add(total, t.Amount)
	}
	if v.held.Lt(total) {
		return fmt.Errorf("vault: release %s with %s held: %w", total.Dec(), v.held.Dec(), domain.ErrInsufficientFund)
	}
	v.held = new(uint256.Int).Sub(v.held, total)
	for _, t := range transfers {
		v.balances[t.To] = new(uint256.Int).Add(v.balanceLocked(t.To), t.Amount)
	}
	return nil
}

// Balance returns an account's spendable balance. The zero address reports
// the value held in escrow.
func (v *MemoryVault) Balance(_ context.Context, account common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if account == (common.Address{}) {
		return v.held.Clone(), nil
	}
	return v.balanceLocked(account).Clone(), nil
}

func (v *MemoryVault) Credit(_ context.Context, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] = new(uint256.Int).Add(v.balanceLocked(account), amount)
	return nil
}

// Held returns the value currently in escrow.
func (v *MemoryVault) Held() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held.Clone()
}

func (v *MemoryVault) balanceLocked(account common.Address) *uint256.Int {
	if b, ok := v.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

var _ domain.Treasury = (*MemoryVault)(nil)
