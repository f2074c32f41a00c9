package service

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// stagedVault records the value a ledger call moves instead of moving it.
// The service settles the recorded movement together with the call's
// journal entry.
type stagedVault struct {
	move domain.Movement
}

func (v *stagedVault) Collect(_ context.Context, from common.Address, amount *uint256.Int) error {
	v.move.Payer = from
	v.move.Collected = amount.Clone()
	return nil
}

func (v *stagedVault) Release(_ context.Context, transfers []domain.Transfer) error {
	v.move.Released = append(v.move.Released, transfers...)
	return nil
}

// take returns the recorded movement and clears it.
func (v *stagedVault) take() domain.Movement {
	m := v.move
	v.move = domain.Movement{}
	return m
}
