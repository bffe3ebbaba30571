package router

import (
	"errors"
	"math/big"

	"ammscope/internal/asset"
	"ammscope/internal/pool"
)

var (
	// ErrInsufficientAmount is returned when a quote is requested for zero input.
	ErrInsufficientAmount = errors.New("insufficient amount")
	// ErrInsufficientLiquidity is returned when a formula sees an empty reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrInvalidPath is returned for paths shorter than two tokens.
	ErrInvalidPath = errors.New("invalid path")
)

var (
	feeMul = big.NewInt(pool.FeeDenominator - pool.FeeNumerator)
	feeDen = big.NewInt(pool.FeeDenominator)
)

// Quote proposes the balanced second-asset amount for a deposit at the current
// reserve ratio: amountA*reserveB/reserveA.
func Quote(amountA, reserveA, reserveB *big.Int) (*big.Int, error) {
	if amountA == nil || amountA.Sign() <= 0 {
		return nil, ErrInsufficientAmount
	}
	if reserveA.Sign() <= 0 || reserveB.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	out := new(big.Int).Mul(amountA, reserveB)
	return out.Div(out, reserveA), nil
}

// AmountOut is the forward constant-product formula with the fee applied to
// the input: amountIn*997*reserveOut / (reserveIn*1000 + amountIn*997).
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInsufficientAmount
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	inWithFee := new(big.Int).Mul(amountIn, feeMul)
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, feeDen)
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator), nil
}

// AmountIn is the inverse formula for exact-output trades. The +1 rounds up so
// the computed input always satisfies the pool's invariant check.
func AmountIn(amountOut, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInsufficientAmount
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	numerator := new(big.Int).Mul(reserveIn, amountOut)
	numerator.Mul(numerator, feeDen)
	denominator := new(big.Int).Sub(reserveOut, amountOut)
	denominator.Mul(denominator, feeMul)
	in := numerator.Div(numerator, denominator)
	return in.Add(in, big.NewInt(1)), nil
}

// PoolSource resolves the pool for an asset pair.
type PoolSource interface {
	Get(tokenA, tokenB asset.ID) (*pool.Pool, error)
}

// AmountsOut walks the path forward, feeding each hop's output into the next
// hop's input, and returns the full amount sequence.
func AmountsOut(source PoolSource, amountIn *big.Int, path []asset.ID) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	for i := 0; i < len(path)-1; i++ {
		reserveIn, reserveOut, err := hopReserves(source, path[i], path[i+1])
		if err != nil {
			return nil, err
		}
		amounts[i+1], err = AmountOut(amounts[i], reserveIn, reserveOut)
		if err != nil {
			return nil, err
		}
	}
	return amounts, nil
}

// AmountsIn walks the path backward from the desired final output to the
// required initial input.
func AmountsIn(source PoolSource, amountOut *big.Int, path []asset.ID) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	amounts := make([]*big.Int, len(path))
	amounts[len(path)-1] = new(big.Int).Set(amountOut)
	for i := len(path) - 1; i > 0; i-- {
		reserveIn, reserveOut, err := hopReserves(source, path[i-1], path[i])
		if err != nil {
			return nil, err
		}
		amounts[i-1], err = AmountIn(amounts[i], reserveIn, reserveOut)
		if err != nil {
			return nil, err
		}
	}
	return amounts, nil
}

// hopReserves returns the pool reserves oriented to the hop direction.
func hopReserves(source PoolSource, tokenIn, tokenOut asset.ID) (reserveIn, reserveOut *big.Int, err error) {
	p, err := source.Get(tokenIn, tokenOut)
	if err != nil {
		return nil, nil, err
	}
	reserveLow, reserveHigh, _ := p.Reserves()
	if tokenIn == p.TokenLow() {
		return reserveLow, reserveHigh, nil
	}
	return reserveHigh, reserveLow, nil
}
