package router

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ammscope/internal/asset"
	"ammscope/internal/ledger"
	"ammscope/internal/pool"
	"ammscope/internal/registry"
)

var (
	// ErrExpired is returned when the caller-supplied deadline has passed.
	ErrExpired = errors.New("deadline expired")
	// ErrInsufficientOutputAmount is returned when a trade delivers less than the minimum.
	ErrInsufficientOutputAmount = errors.New("output below minimum")
	// ErrExcessiveInputAmount is returned when a trade requires more than the maximum input.
	ErrExcessiveInputAmount = errors.New("input above maximum")
	// ErrInsufficientAmountA is returned when the A-side deposit falls below its minimum.
	ErrInsufficientAmountA = errors.New("amount A below minimum")
	// ErrInsufficientAmountB is returned when the B-side deposit falls below its minimum.
	ErrInsufficientAmountB = errors.New("amount B below minimum")
	// ErrNativePath is returned when a native-currency trade does not start or
	// end at the wrapped asset.
	ErrNativePath = errors.New("path must terminate at the wrapped asset")
)

// Router chains pool operations into all-or-nothing multi-hop trades and
// liquidity changes. Callers approve the router address as spender; any
// internal failure reverts the whole operation through the ledger journal.
type Router struct {
	addr     common.Address
	registry *registry.Registry
	ledger   *ledger.Ledger
	vault    *ledger.NativeVault
	logger   *zap.Logger
	now      func() uint64
}

// Config wires the router's collaborators. Vault may be nil when no native
// variants are used.
type Config struct {
	Address  common.Address
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Vault    *ledger.NativeVault
	Logger   *zap.Logger
	Now      func() uint64
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		addr:     cfg.Address,
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		vault:    cfg.Vault,
		logger:   logger,
		now:      cfg.Now,
	}
}

// Address returns the router's spender address.
func (r *Router) Address() common.Address { return r.addr }

func (r *Router) ensure(deadline uint64) error {
	if r.now() > deadline {
		return ErrExpired
	}
	return nil
}

// SwapExactInput trades an exact input amount along the path, delivering at
// least amountOutMin of the final asset to the recipient.
func (r *Router) SwapExactInput(from common.Address, amountIn, amountOutMin *big.Int, path []asset.ID, to common.Address, deadline uint64) ([]*big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, err
	}
	amounts, err := AmountsOut(r.registry, amountIn, path)
	if err != nil {
		return nil, err
	}
	if amounts[len(amounts)-1].Cmp(amountOutMin) < 0 {
		return nil, ErrInsufficientOutputAmount
	}
	return amounts, r.fundAndSwap(from, amounts, path, to)
}

// SwapExactOutput trades up to amountInMax of the first path asset for an
// exact output amount of the last.
func (r *Router) SwapExactOutput(from common.Address, amountOut, amountInMax *big.Int, path []asset.ID, to common.Address, deadline uint64) ([]*big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, err
	}
	amounts, err := AmountsIn(r.registry, amountOut, path)
	if err != nil {
		return nil, err
	}
	if amounts[0].Cmp(amountInMax) > 0 {
		return nil, ErrExcessiveInputAmount
	}
	return amounts, r.fundAndSwap(from, amounts, path, to)
}

// SwapExactInputNative wraps an exact native amount and trades it along the
// path, which must start at the wrapped asset.
func (r *Router) SwapExactInputNative(from common.Address, amountNativeIn, amountOutMin *big.Int, path []asset.ID, to common.Address, deadline uint64) ([]*big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, err
	}
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	if r.vault == nil || path[0] != r.vault.Wrapped() {
		return nil, ErrNativePath
	}
	amounts, err := AmountsOut(r.registry, amountNativeIn, path)
	if err != nil {
		return nil, err
	}
	if amounts[len(amounts)-1].Cmp(amountOutMin) < 0 {
		return nil, ErrInsufficientOutputAmount
	}

	snapshot := r.ledger.Snapshot()
	first, err := r.registry.Get(path[0], path[1])
	if err != nil {
		return nil, err
	}
	if err := r.vault.Wrap(from, first.Address(), amounts[0]); err != nil {
		r.ledger.Revert(snapshot)
		return nil, err
	}
	if err := r.swapHops(from, amounts, path, to); err != nil {
		r.ledger.Revert(snapshot)
		return nil, err
	}
	return amounts, nil
}

// SwapExactOutputNative trades up to amountInMax of the first path asset for
// an exact native output. The path must end at the wrapped asset, which the
// router unwraps to the recipient.
func (r *Router) SwapExactOutputNative(from common.Address, amountNativeOut, amountInMax *big.Int, path []asset.ID, to common.Address, deadline uint64) ([]*big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, err
	}
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}
	if r.vault == nil || path[len(path)-1] != r.vault.Wrapped() {
		return nil, ErrNativePath
	}
	amounts, err := AmountsIn(r.registry, amountNativeOut, path)
	if err != nil {
		return nil, err
	}
	if amounts[0].Cmp(amountInMax) > 0 {
		return nil, ErrExcessiveInputAmount
	}

	snapshot := r.ledger.Snapshot()
	if err := r.fundHops(from, amounts, path); err != nil {
		r.ledger.Revert(snapshot)
		return nil, err
	}
	if err := r.swapHops(from, amounts, path, r.addr); err != nil {
		r.ledger.Revert(snapshot)
		return nil, err
	}
	if err := r.vault.Unwrap(r.addr, to, amounts[len(amounts)-1]); err != nil {
		r.ledger.Revert(snapshot)
		return nil, err
	}
	return amounts, nil
}

// AddLiquidity deposits a balanced amount pair into the pool for tokenA and
// tokenB, creating the pool when absent, and issues shares to the recipient.
func (r *Router) AddLiquidity(from common.Address, tokenA, tokenB asset.ID, amountADesired, amountBDesired, amountAMin, amountBMin *big.Int, to common.Address, deadline uint64) (*big.Int, *big.Int, *big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, nil, nil, err
	}
	p, amountA, amountB, err := r.prepareLiquidity(from, tokenA, tokenB, amountADesired, amountBDesired, amountAMin, amountBMin)
	if err != nil {
		return nil, nil, nil, err
	}

	snapshot := r.ledger.Snapshot()
	if err := r.ledger.TransferFrom(tokenA, r.addr, from, p.Address(), amountA); err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, nil, err
	}
	if err := r.ledger.TransferFrom(tokenB, r.addr, from, p.Address(), amountB); err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, nil, err
	}
	shares, err := p.Deposit(from, to)
	if err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, nil, err
	}
	return amountA, amountB, shares, nil
}

// AddLiquidityNative deposits a token alongside wrapped native currency.
func (r *Router) AddLiquidityNative(from common.Address, token asset.ID, amountTokenDesired, amountNativeDesired, amountTokenMin, amountNativeMin *big.Int, to common.Address, deadline uint64) (*big.Int, *big.Int, *big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, nil, nil, err
	}
	if r.vault == nil {
		return nil, nil, nil, ErrNativePath
	}
	wrapped := r.vault.Wrapped()
	p, amountToken, amountNative, err := r.prepareLiquidity(from, token, wrapped, amountTokenDesired, amountNativeDesired, amountTokenMin, amountNativeMin)
	if err != nil {
		return nil, nil, nil, err
	}

	snapshot := r.ledger.Snapshot()
	if err := r.ledger.TransferFrom(token, r.addr, from, p.Address(), amountToken); err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, nil, err
	}
	if err := r.vault.Wrap(from, p.Address(), amountNative); err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, nil, err
	}
	shares, err := p.Deposit(from, to)
	if err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, nil, err
	}
	return amountToken, amountNative, shares, nil
}

// RemoveLiquidity burns shares against the pool for tokenA and tokenB and pays
// both assets to the recipient, enforcing per-side minimums.
func (r *Router) RemoveLiquidity(from common.Address, tokenA, tokenB asset.ID, shares, amountAMin, amountBMin *big.Int, to common.Address, deadline uint64) (*big.Int, *big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, nil, err
	}
	p, err := r.registry.Get(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}

	snapshot := r.ledger.Snapshot()
	amountA, amountB, err := r.burnShares(p, from, to, tokenA, shares)
	if err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, err
	}
	if amountA.Cmp(amountAMin) < 0 {
		r.ledger.Revert(snapshot)
		return nil, nil, ErrInsufficientAmountA
	}
	if amountB.Cmp(amountBMin) < 0 {
		r.ledger.Revert(snapshot)
		return nil, nil, ErrInsufficientAmountB
	}
	return amountA, amountB, nil
}

// RemoveLiquidityNative burns shares of a token/wrapped pool, paying the token
// to the recipient and unwrapping the native side.
func (r *Router) RemoveLiquidityNative(from common.Address, token asset.ID, shares, amountTokenMin, amountNativeMin *big.Int, to common.Address, deadline uint64) (*big.Int, *big.Int, error) {
	if err := r.ensure(deadline); err != nil {
		return nil, nil, err
	}
	if r.vault == nil {
		return nil, nil, ErrNativePath
	}
	wrapped := r.vault.Wrapped()
	p, err := r.registry.Get(token, wrapped)
	if err != nil {
		return nil, nil, err
	}

	snapshot := r.ledger.Snapshot()
	amountToken, amountNative, err := r.burnShares(p, from, r.addr, token, shares)
	if err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, err
	}
	if amountToken.Cmp(amountTokenMin) < 0 {
		r.ledger.Revert(snapshot)
		return nil, nil, ErrInsufficientAmountA
	}
	if amountNative.Cmp(amountNativeMin) < 0 {
		r.ledger.Revert(snapshot)
		return nil, nil, ErrInsufficientAmountB
	}
	if err := r.ledger.Transfer(token, r.addr, to, amountToken); err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, err
	}
	if err := r.vault.Unwrap(r.addr, to, amountNative); err != nil {
		r.ledger.Revert(snapshot)
		return nil, nil, err
	}
	return amountToken, amountNative, nil
}

// prepareLiquidity resolves the pool (creating it when absent) and computes
// the balanced deposit amounts at the current price.
func (r *Router) prepareLiquidity(from common.Address, tokenA, tokenB asset.ID, amountADesired, amountBDesired, amountAMin, amountBMin *big.Int) (*pool.Pool, *big.Int, *big.Int, error) {
	p, err := r.registry.Get(tokenA, tokenB)
	if errors.Is(err, registry.ErrPoolNotFound) {
		p, err = r.registry.Create(from, tokenA, tokenB)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	reserveLow, reserveHigh, _ := p.Reserves()
	reserveA, reserveB := reserveLow, reserveHigh
	if tokenA != p.TokenLow() {
		reserveA, reserveB = reserveHigh, reserveLow
	}

	if reserveA.Sign() == 0 && reserveB.Sign() == 0 {
		return p, new(big.Int).Set(amountADesired), new(big.Int).Set(amountBDesired), nil
	}

	amountBOptimal, err := Quote(amountADesired, reserveA, reserveB)
	if err != nil {
		return nil, nil, nil, err
	}
	if amountBOptimal.Cmp(amountBDesired) <= 0 {
		if amountBOptimal.Cmp(amountBMin) < 0 {
			return nil, nil, nil, ErrInsufficientAmountB
		}
		return p, new(big.Int).Set(amountADesired), amountBOptimal, nil
	}

	amountAOptimal, err := Quote(amountBDesired, reserveB, reserveA)
	if err != nil {
		return nil, nil, nil, err
	}
	if amountAOptimal.Cmp(amountADesired) > 0 {
		return nil, nil, nil, ErrInsufficientAmount
	}
	if amountAOptimal.Cmp(amountAMin) < 0 {
		return nil, nil, nil, ErrInsufficientAmountA
	}
	return p, amountAOptimal, new(big.Int).Set(amountBDesired), nil
}

// burnShares moves shares from the holder into the pool, burns them, and
// returns the payouts oriented to tokenA.
func (r *Router) burnShares(p *pool.Pool, from, to common.Address, tokenA asset.ID, shares *big.Int) (*big.Int, *big.Int, error) {
	if err := r.ledger.TransferFrom(p.Address(), r.addr, from, p.Address(), shares); err != nil {
		return nil, nil, err
	}
	amountLow, amountHigh, err := p.Withdraw(from, to)
	if err != nil {
		return nil, nil, err
	}
	if tokenA == p.TokenLow() {
		return amountLow, amountHigh, nil
	}
	return amountHigh, amountLow, nil
}

// fundAndSwap moves the first hop's input from the caller into the first pool
// and executes the hops, reverting everything on any failure.
func (r *Router) fundAndSwap(from common.Address, amounts []*big.Int, path []asset.ID, to common.Address) error {
	snapshot := r.ledger.Snapshot()
	if err := r.fundHops(from, amounts, path); err != nil {
		r.ledger.Revert(snapshot)
		return err
	}
	if err := r.swapHops(from, amounts, path, to); err != nil {
		r.ledger.Revert(snapshot)
		return err
	}
	r.logger.Debug("swap executed",
		zap.Int("hops", len(path)-1),
		zap.String("amount_in", amounts[0].String()),
		zap.String("amount_out", amounts[len(amounts)-1].String()),
	)
	return nil
}

func (r *Router) fundHops(from common.Address, amounts []*big.Int, path []asset.ID) error {
	first, err := r.registry.Get(path[0], path[1])
	if err != nil {
		return err
	}
	return r.ledger.TransferFrom(path[0], r.addr, from, first.Address(), amounts[0])
}

// swapHops executes one pool swap per hop. Interior hops deliver their output
// straight to the next hop's pool, so the chain settles optimistically and
// each hop's invariant check runs against tokens already committed onward.
func (r *Router) swapHops(from common.Address, amounts []*big.Int, path []asset.ID, to common.Address) error {
	for i := 0; i < len(path)-1; i++ {
		tokenIn, tokenOut := path[i], path[i+1]
		p, err := r.registry.Get(tokenIn, tokenOut)
		if err != nil {
			return err
		}

		outLow, outHigh := new(big.Int), new(big.Int)
		if tokenOut == p.TokenLow() {
			outLow = amounts[i+1]
		} else {
			outHigh = amounts[i+1]
		}

		recipient := to
		if i < len(path)-2 {
			next, err := r.registry.Get(path[i+1], path[i+2])
			if err != nil {
				return err
			}
			recipient = next.Address()
		}

		if err := p.Swap(from, outLow, outHigh, recipient, nil, nil); err != nil {
			return err
		}
	}
	return nil
}
