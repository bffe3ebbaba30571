package asset

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrIdenticalAssets is returned when a pair references the same asset twice.
	ErrIdenticalAssets = errors.New("identical assets")
	// ErrZeroAsset is returned when a pair references the zero asset identifier.
	ErrZeroAsset = errors.New("zero asset")
)

// ID identifies an asset. The zero value is reserved and never a valid asset.
type ID = common.Address

// SortPair returns the pair in canonical order (byte-wise ascending) and
// validates that the assets are distinct and non-zero.
func SortPair(tokenA, tokenB ID) (low ID, high ID, err error) {
	if tokenA == tokenB {
		return low, high, ErrIdenticalAssets
	}
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) < 0 {
		low, high = tokenA, tokenB
	} else {
		low, high = tokenB, tokenA
	}
	if low == (ID{}) {
		return ID{}, ID{}, ErrZeroAsset
	}
	return low, high, nil
}

// PairAddress derives the deterministic pool address for a canonical pair.
func PairAddress(low, high ID) common.Address {
	hash := crypto.Keccak256(low.Bytes(), high.Bytes())
	return common.BytesToAddress(hash[12:])
}
