package pool

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ammscope/internal/asset"
	"ammscope/internal/ledger"
	"ammscope/internal/model"
	"ammscope/internal/storage"
)

const (
	// FeeNumerator over FeeDenominator is the swap fee taken from the input side.
	FeeNumerator   = 3
	FeeDenominator = 1000

	// MinimumShares is issued to the share sink on first deposit and can never
	// be redeemed, keeping the share price away from zero on tiny pools.
	MinimumShares = 1000
)

var (
	// ErrReentrant is returned when a mutating call finds the pool busy.
	ErrReentrant = errors.New("reentrant call")
	// ErrInsufficientSharesMinted is returned when a deposit would issue no shares.
	ErrInsufficientSharesMinted = errors.New("insufficient shares minted")
	// ErrInsufficientSharesBurned is returned when a withdrawal would pay out nothing.
	ErrInsufficientSharesBurned = errors.New("insufficient shares burned")
	// ErrInsufficientOutput is returned when a swap requests no output at all.
	ErrInsufficientOutput = errors.New("insufficient output amount")
	// ErrInsufficientInput is returned when a swap received no input payment.
	ErrInsufficientInput = errors.New("insufficient input amount")
	// ErrInsufficientLiquidity is returned when a swap would drain a reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrInvariant is returned when the fee-adjusted product check fails.
	ErrInvariant = errors.New("constant product invariant violated")
	// ErrReserveOverflow is returned when a reserve would exceed MaxReserve.
	ErrReserveOverflow = errors.New("reserve overflow")
	// ErrInvalidRecipient is returned when a swap recipient is one of the pool assets.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrInvalidAmount is returned for nil or negative requested amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// shareSink permanently holds MinimumShares from the first deposit.
var shareSink = common.Address{}

// SwapCallee receives the optimistic output of a swap before the input is
// verified, enabling flash settlement within the same operation.
type SwapCallee interface {
	OnSwap(sender common.Address, amountLowOut, amountHighOut *big.Int, data []byte) error
}

// Pool holds the reserves for one canonical asset pair. Shares are tracked in
// the ledger under the pool address as their asset identifier. All five
// mutating operations are serialized by an explicit busy flag and roll the
// ledger back on any failure, so a failed operation leaves no state change.
type Pool struct {
	addr      common.Address
	tokenLow  asset.ID
	tokenHigh asset.ID

	busy atomic.Bool

	mu            sync.RWMutex
	reserveLow    *big.Int
	reserveHigh   *big.Int
	priceLowCum   *big.Int
	priceHighCum  *big.Int
	lastSyncTime  uint64

	ledger *ledger.Ledger
	sink   storage.Sink
	logger *zap.Logger
	now    func() uint64
}

// New builds a pool for an already-canonical pair. The registry is the only
// expected caller.
func New(low, high asset.ID, l *ledger.Ledger, sink storage.Sink, logger *zap.Logger, now func() uint64) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		addr:         asset.PairAddress(low, high),
		tokenLow:     low,
		tokenHigh:    high,
		reserveLow:   new(big.Int),
		reserveHigh:  new(big.Int),
		priceLowCum:  new(big.Int),
		priceHighCum: new(big.Int),
		ledger:       l,
		sink:         sink,
		logger:       logger,
		now:          now,
	}
}

// Address returns the pool's own address, also the share asset identifier.
func (p *Pool) Address() common.Address { return p.addr }

// TokenLow returns the canonically lower asset of the pair.
func (p *Pool) TokenLow() asset.ID { return p.tokenLow }

// TokenHigh returns the canonically higher asset of the pair.
func (p *Pool) TokenHigh() asset.ID { return p.tokenHigh }

// TotalShares returns the outstanding share supply.
func (p *Pool) TotalShares() *big.Int { return p.ledger.TotalSupply(p.addr) }

// Reserves returns a consistent snapshot of both reserves and the last sync time.
func (p *Pool) Reserves() (reserveLow, reserveHigh *big.Int, lastSyncTime uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.reserveLow), new(big.Int).Set(p.reserveHigh), p.lastSyncTime
}

// Cumulatives returns the stored price accumulators and the last sync time.
func (p *Pool) Cumulatives() (priceLowCum, priceHighCum *big.Int, lastSyncTime uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.priceLowCum), new(big.Int).Set(p.priceHighCum), p.lastSyncTime
}

// CurrentCumulatives extrapolates the stored accumulators to the given time
// using the current reserve ratio, without mutating the pool. Oracles use this
// so an idle pool still accrues price over time.
func (p *Pool) CurrentCumulatives(now uint64) (priceLowCum, priceHighCum *big.Int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	priceLowCum = new(big.Int).Set(p.priceLowCum)
	priceHighCum = new(big.Int).Set(p.priceHighCum)
	if now > p.lastSyncTime && p.reserveLow.Sign() > 0 && p.reserveHigh.Sign() > 0 {
		elapsed := new(big.Int).SetUint64(now - p.lastSyncTime)
		wrapAdd(priceLowCum, new(big.Int).Mul(EncodePrice(p.reserveHigh, p.reserveLow), elapsed))
		wrapAdd(priceHighCum, new(big.Int).Mul(EncodePrice(p.reserveLow, p.reserveHigh), elapsed))
	}
	return priceLowCum, priceHighCum
}

// Deposit issues shares for asset balances the caller has already placed in the
// pool beyond its recorded reserves.
func (p *Pool) Deposit(sender, to common.Address) (*big.Int, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	snapshot := p.ledger.Snapshot()

	balLow := p.ledger.BalanceOf(p.tokenLow, p.addr)
	balHigh := p.ledger.BalanceOf(p.tokenHigh, p.addr)
	reserveLow, reserveHigh, _ := p.Reserves()
	amountLow := new(big.Int).Sub(balLow, reserveLow)
	amountHigh := new(big.Int).Sub(balHigh, reserveHigh)

	totalShares := p.ledger.TotalSupply(p.addr)

	var issued *big.Int
	if totalShares.Sign() == 0 {
		if amountLow.Sign() <= 0 || amountHigh.Sign() <= 0 {
			return nil, ErrInsufficientSharesMinted
		}
		issued = new(big.Int).Sqrt(new(big.Int).Mul(amountLow, amountHigh))
		issued.Sub(issued, big.NewInt(MinimumShares))
		if issued.Sign() <= 0 {
			return nil, ErrInsufficientSharesMinted
		}
		if err := p.ledger.Mint(p.addr, shareSink, big.NewInt(MinimumShares)); err != nil {
			p.ledger.Revert(snapshot)
			return nil, err
		}
	} else {
		byLow := new(big.Int).Div(new(big.Int).Mul(amountLow, totalShares), reserveLow)
		byHigh := new(big.Int).Div(new(big.Int).Mul(amountHigh, totalShares), reserveHigh)
		issued = byLow
		if byHigh.Cmp(issued) < 0 {
			issued = byHigh
		}
		if issued.Sign() <= 0 {
			return nil, ErrInsufficientSharesMinted
		}
	}

	if err := p.ledger.Mint(p.addr, to, issued); err != nil {
		p.ledger.Revert(snapshot)
		return nil, err
	}
	if err := p.update(balLow, balHigh); err != nil {
		p.ledger.Revert(snapshot)
		return nil, err
	}

	p.emit(model.Event{
		Type:         model.EventDeposit,
		Sender:       sender.Hex(),
		Recipient:    to.Hex(),
		AmountLowIn:  amountLow.String(),
		AmountHighIn: amountHigh.String(),
		Shares:       issued.String(),
	})
	return issued, nil
}

// Withdraw burns the share balance previously transferred to the pool itself
// and pays both assets out pro-rata against current balances.
func (p *Pool) Withdraw(sender, to common.Address) (*big.Int, *big.Int, error) {
	if err := p.acquire(); err != nil {
		return nil, nil, err
	}
	defer p.release()

	snapshot := p.ledger.Snapshot()

	shares := p.ledger.BalanceOf(p.addr, p.addr)
	totalShares := p.ledger.TotalSupply(p.addr)
	if shares.Sign() <= 0 || totalShares.Sign() == 0 {
		return nil, nil, ErrInsufficientSharesBurned
	}

	balLow := p.ledger.BalanceOf(p.tokenLow, p.addr)
	balHigh := p.ledger.BalanceOf(p.tokenHigh, p.addr)
	amountLow := new(big.Int).Div(new(big.Int).Mul(shares, balLow), totalShares)
	amountHigh := new(big.Int).Div(new(big.Int).Mul(shares, balHigh), totalShares)
	if amountLow.Sign() <= 0 || amountHigh.Sign() <= 0 {
		return nil, nil, ErrInsufficientSharesBurned
	}

	if err := p.ledger.Burn(p.addr, p.addr, shares); err != nil {
		p.ledger.Revert(snapshot)
		return nil, nil, err
	}
	if err := p.ledger.Transfer(p.tokenLow, p.addr, to, amountLow); err != nil {
		p.ledger.Revert(snapshot)
		return nil, nil, err
	}
	if err := p.ledger.Transfer(p.tokenHigh, p.addr, to, amountHigh); err != nil {
		p.ledger.Revert(snapshot)
		return nil, nil, err
	}

	balLow = p.ledger.BalanceOf(p.tokenLow, p.addr)
	balHigh = p.ledger.BalanceOf(p.tokenHigh, p.addr)
	if err := p.update(balLow, balHigh); err != nil {
		p.ledger.Revert(snapshot)
		return nil, nil, err
	}

	p.emit(model.Event{
		Type:          model.EventWithdraw,
		Sender:        sender.Hex(),
		Recipient:     to.Hex(),
		AmountLowOut:  amountLow.String(),
		AmountHighOut: amountHigh.String(),
		Shares:        shares.String(),
	})
	return amountLow, amountHigh, nil
}

// Swap transfers the requested outputs to the recipient before any input is
// verified. When callee is non-nil it runs between the transfer and the
// verification, so the recipient may source the input from the output (flash
// swap). The fee-adjusted product of the post-trade balances must not fall
// below the product of the pre-trade reserves.
func (p *Pool) Swap(sender common.Address, amountLowOut, amountHighOut *big.Int, to common.Address, callee SwapCallee, data []byte) error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.release()

	if amountLowOut == nil {
		amountLowOut = new(big.Int)
	}
	if amountHighOut == nil {
		amountHighOut = new(big.Int)
	}
	if amountLowOut.Sign() < 0 || amountHighOut.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amountLowOut.Sign() == 0 && amountHighOut.Sign() == 0 {
		return ErrInsufficientOutput
	}

	// Pre-trade reserves anchor the invariant check and must be captured
	// before any transfer.
	reserveLow, reserveHigh, _ := p.Reserves()
	if amountLowOut.Cmp(reserveLow) >= 0 || amountHighOut.Cmp(reserveHigh) >= 0 {
		return ErrInsufficientLiquidity
	}
	if to == p.tokenLow || to == p.tokenHigh {
		return ErrInvalidRecipient
	}

	snapshot := p.ledger.Snapshot()

	if amountLowOut.Sign() > 0 {
		if err := p.ledger.Transfer(p.tokenLow, p.addr, to, amountLowOut); err != nil {
			p.ledger.Revert(snapshot)
			return err
		}
	}
	if amountHighOut.Sign() > 0 {
		if err := p.ledger.Transfer(p.tokenHigh, p.addr, to, amountHighOut); err != nil {
			p.ledger.Revert(snapshot)
			return err
		}
	}
	if callee != nil {
		if err := callee.OnSwap(sender, amountLowOut, amountHighOut, data); err != nil {
			p.ledger.Revert(snapshot)
			return err
		}
	}

	balLow := p.ledger.BalanceOf(p.tokenLow, p.addr)
	balHigh := p.ledger.BalanceOf(p.tokenHigh, p.addr)
	amountLowIn := swapInput(balLow, reserveLow, amountLowOut)
	amountHighIn := swapInput(balHigh, reserveHigh, amountHighOut)
	if amountLowIn.Sign() == 0 && amountHighIn.Sign() == 0 {
		p.ledger.Revert(snapshot)
		return ErrInsufficientInput
	}

	adjLow := adjustedBalance(balLow, amountLowIn)
	adjHigh := adjustedBalance(balHigh, amountHighIn)
	threshold := new(big.Int).Mul(reserveLow, reserveHigh)
	threshold.Mul(threshold, big.NewInt(FeeDenominator*FeeDenominator))
	if new(big.Int).Mul(adjLow, adjHigh).Cmp(threshold) < 0 {
		p.ledger.Revert(snapshot)
		return ErrInvariant
	}

	if err := p.update(balLow, balHigh); err != nil {
		p.ledger.Revert(snapshot)
		return err
	}

	p.emit(model.Event{
		Type:          model.EventSwap,
		Sender:        sender.Hex(),
		Recipient:     to.Hex(),
		AmountLowIn:   amountLowIn.String(),
		AmountHighIn:  amountHighIn.String(),
		AmountLowOut:  amountLowOut.String(),
		AmountHighOut: amountHighOut.String(),
	})
	return nil
}

// Skim pays any balance surplus beyond the recorded reserves to the recipient.
func (p *Pool) Skim(sender, to common.Address) error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.release()

	snapshot := p.ledger.Snapshot()
	reserveLow, reserveHigh, _ := p.Reserves()

	surplusLow := new(big.Int).Sub(p.ledger.BalanceOf(p.tokenLow, p.addr), reserveLow)
	if surplusLow.Sign() > 0 {
		if err := p.ledger.Transfer(p.tokenLow, p.addr, to, surplusLow); err != nil {
			p.ledger.Revert(snapshot)
			return err
		}
	}
	surplusHigh := new(big.Int).Sub(p.ledger.BalanceOf(p.tokenHigh, p.addr), reserveHigh)
	if surplusHigh.Sign() > 0 {
		if err := p.ledger.Transfer(p.tokenHigh, p.addr, to, surplusHigh); err != nil {
			p.ledger.Revert(snapshot)
			return err
		}
	}
	return nil
}

// Sync resyncs the recorded reserves to the current balances with no transfer.
func (p *Pool) Sync() error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.release()

	balLow := p.ledger.BalanceOf(p.tokenLow, p.addr)
	balHigh := p.ledger.BalanceOf(p.tokenHigh, p.addr)
	if err := p.update(balLow, balHigh); err != nil {
		return err
	}

	p.emit(model.Event{Type: model.EventSync})
	return nil
}

// update integrates the previous reserve ratio into the price accumulators for
// the elapsed time, then overwrites the reserves from current balances. It
// validates magnitude before touching any state.
func (p *Pool) update(balLow, balHigh *big.Int) error {
	if balLow.Cmp(MaxReserve) > 0 || balHigh.Cmp(MaxReserve) > 0 {
		return ErrReserveOverflow
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now > p.lastSyncTime && p.reserveLow.Sign() > 0 && p.reserveHigh.Sign() > 0 {
		elapsed := new(big.Int).SetUint64(now - p.lastSyncTime)
		wrapAdd(p.priceLowCum, new(big.Int).Mul(EncodePrice(p.reserveHigh, p.reserveLow), elapsed))
		wrapAdd(p.priceHighCum, new(big.Int).Mul(EncodePrice(p.reserveLow, p.reserveHigh), elapsed))
	}
	p.reserveLow.Set(balLow)
	p.reserveHigh.Set(balHigh)
	if now > p.lastSyncTime {
		p.lastSyncTime = now
	}
	return nil
}

func (p *Pool) acquire() error {
	if !p.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	return nil
}

func (p *Pool) release() {
	p.busy.Store(false)
}

func (p *Pool) emit(event model.Event) {
	if p.sink == nil {
		return
	}
	reserveLow, reserveHigh, lastSync := p.Reserves()
	event.Pool = p.addr.Hex()
	event.ReserveLow = reserveLow.String()
	event.ReserveHigh = reserveHigh.String()
	event.Timestamp = lastSync
	if err := p.sink.PutEventBatch([]model.Event{event}); err != nil {
		p.logger.Warn("event sink write failed",
			zap.String("pool", event.Pool),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

// swapInput derives the paid-in amount on one side from the re-read balance:
// max(0, balance-(reserve-amountOut)).
func swapInput(balance, reserve, amountOut *big.Int) *big.Int {
	owed := new(big.Int).Sub(reserve, amountOut)
	in := new(big.Int).Sub(balance, owed)
	if in.Sign() < 0 {
		return new(big.Int)
	}
	return in
}

// adjustedBalance scales the balance by the fee denominator and deducts the fee
// on the input amount.
func adjustedBalance(balance, amountIn *big.Int) *big.Int {
	adj := new(big.Int).Mul(balance, big.NewInt(FeeDenominator))
	return adj.Sub(adj, new(big.Int).Mul(amountIn, big.NewInt(FeeNumerator)))
}
