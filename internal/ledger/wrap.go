package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ammscope/internal/asset"
)

// NativeAsset is the reserved ledger slot for the unwrapped native currency.
// Pools never list it directly; the vault exchanges it for the wrapped asset.
var NativeAsset = asset.ID{}

// NativeVault wraps native currency one-for-one into a fungible ledger asset.
// Native balances live in the ledger under NativeAsset, so vault operations
// participate in the same snapshot/revert journal as everything else.
type NativeVault struct {
	ledger  *Ledger
	wrapped asset.ID
	vault   common.Address
}

// NewNativeVault returns a vault minting the given wrapped asset.
func NewNativeVault(l *Ledger, wrapped asset.ID, vault common.Address) *NativeVault {
	return &NativeVault{ledger: l, wrapped: wrapped, vault: vault}
}

// Wrapped returns the wrapped asset identifier.
func (v *NativeVault) Wrapped() asset.ID {
	return v.wrapped
}

// Wrap exchanges native balance of from for wrapped asset minted to the
// recipient.
func (v *NativeVault) Wrap(from, to common.Address, amount *big.Int) error {
	if err := v.ledger.Transfer(NativeAsset, from, v.vault, amount); err != nil {
		return err
	}
	return v.ledger.Mint(v.wrapped, to, amount)
}

// Unwrap burns wrapped asset held by from and releases native balance to the
// recipient.
func (v *NativeVault) Unwrap(from, to common.Address, amount *big.Int) error {
	if err := v.ledger.Burn(v.wrapped, from, amount); err != nil {
		return err
	}
	return v.ledger.Transfer(NativeAsset, v.vault, to, amount)
}
