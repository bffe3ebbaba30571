package pool

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ammscope/internal/asset"
	"ammscope/internal/ledger"
)

var (
	tokenLow  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	tokenHigh = common.HexToAddress("0x0000000000000000000000000000000000000002")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type testClock struct {
	t uint64
}

func (c *testClock) now() uint64 { return c.t }

func newTestPool(t *testing.T) (*Pool, *ledger.Ledger, *testClock) {
	t.Helper()
	low, high, err := asset.SortPair(tokenLow, tokenHigh)
	if err != nil {
		t.Fatalf("sort pair: %v", err)
	}
	clock := &testClock{t: 1_700_000_000}
	book := ledger.New()
	return New(low, high, book, nil, nil, clock.now), book, clock
}

// fundPool mints directly into the pool's balances without touching reserves.
func fundPool(t *testing.T, book *ledger.Ledger, p *Pool, amountLow, amountHigh int64) {
	t.Helper()
	if amountLow > 0 {
		if err := book.Mint(p.TokenLow(), p.Address(), big.NewInt(amountLow)); err != nil {
			t.Fatalf("mint low: %v", err)
		}
	}
	if amountHigh > 0 {
		if err := book.Mint(p.TokenHigh(), p.Address(), big.NewInt(amountHigh)); err != nil {
			t.Fatalf("mint high: %v", err)
		}
	}
}

// seedReserves funds the pool and records the balances as reserves via Sync,
// leaving the share supply untouched.
func seedReserves(t *testing.T, book *ledger.Ledger, p *Pool, amountLow, amountHigh int64) {
	t.Helper()
	fundPool(t, book, p, amountLow, amountHigh)
	if err := p.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestInitialDepositIssuesSqrtMinusMinimum(t *testing.T) {
	p, book, _ := newTestPool(t)
	fundPool(t, book, p, 1_000_000, 1_000_000)

	shares, err := p.Deposit(alice, alice)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(big.NewInt(999_000)) != 0 {
		t.Fatalf("shares = %s, want 999000", shares)
	}
	if got := p.TotalShares(); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("total shares = %s, want 1000000", got)
	}
	if got := book.BalanceOf(p.Address(), common.Address{}); got.Cmp(big.NewInt(MinimumShares)) != 0 {
		t.Fatalf("sink shares = %s, want %d", got, MinimumShares)
	}

	reserveLow, reserveHigh, _ := p.Reserves()
	if reserveLow.Cmp(big.NewInt(1_000_000)) != 0 || reserveHigh.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("reserves = %s/%s, want 1000000/1000000", reserveLow, reserveHigh)
	}
}

func TestInitialDepositTooSmall(t *testing.T) {
	p, book, _ := newTestPool(t)
	fundPool(t, book, p, 1000, 1000)

	if _, err := p.Deposit(alice, alice); !errors.Is(err, ErrInsufficientSharesMinted) {
		t.Fatalf("expected ErrInsufficientSharesMinted, got %v", err)
	}
	if got := p.TotalShares(); got.Sign() != 0 {
		t.Fatalf("total shares after failed deposit = %s, want 0", got)
	}
}

func TestDepositCreditsScarcerSide(t *testing.T) {
	p, book, _ := newTestPool(t)
	fundPool(t, book, p, 1_000_000, 1_000_000)
	if _, err := p.Deposit(alice, alice); err != nil {
		t.Fatalf("initial deposit: %v", err)
	}

	fundPool(t, book, p, 100, 50)
	shares, err := p.Deposit(bob, bob)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if shares.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("shares = %s, want 50 (scarcer side)", shares)
	}
}

func TestWithdrawRoundTripNeverExceedsDeposit(t *testing.T) {
	p, book, _ := newTestPool(t)
	fundPool(t, book, p, 1_000_000, 1_000_000)
	shares, err := p.Deposit(alice, alice)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := book.Transfer(p.Address(), alice, p.Address(), shares); err != nil {
		t.Fatalf("transfer shares: %v", err)
	}
	amountLow, amountHigh, err := p.Withdraw(alice, alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amountLow.Cmp(big.NewInt(1_000_000)) > 0 || amountHigh.Cmp(big.NewInt(1_000_000)) > 0 {
		t.Fatalf("withdrawn %s/%s exceeds deposit", amountLow, amountHigh)
	}
	if amountLow.Cmp(big.NewInt(999_000)) != 0 || amountHigh.Cmp(big.NewInt(999_000)) != 0 {
		t.Fatalf("withdrawn %s/%s, want 999000/999000", amountLow, amountHigh)
	}

	// The minimum issuance keeps the pool alive with non-zero reserves.
	reserveLow, reserveHigh, _ := p.Reserves()
	if reserveLow.Sign() == 0 || reserveHigh.Sign() == 0 {
		t.Fatalf("reserves drained to %s/%s", reserveLow, reserveHigh)
	}
	if got := p.TotalShares(); got.Cmp(big.NewInt(MinimumShares)) != 0 {
		t.Fatalf("total shares = %s, want %d", got, MinimumShares)
	}
}

func TestWithdrawDistributesUnsyncedSurplus(t *testing.T) {
	p, book, _ := newTestPool(t)
	fundPool(t, book, p, 1_000_000, 1_000_000)
	shares, err := p.Deposit(alice, alice)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Surplus sitting above recorded reserves is paid out pro-rata.
	fundPool(t, book, p, 10_000, 0)

	if err := book.Transfer(p.Address(), alice, p.Address(), shares); err != nil {
		t.Fatalf("transfer shares: %v", err)
	}
	amountLow, _, err := p.Withdraw(alice, alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	want := big.NewInt(1_008_990) // 999000 * 1010000 / 1000000
	if amountLow.Cmp(want) != 0 {
		t.Fatalf("amountLow = %s, want %s", amountLow, want)
	}
}

func TestWithdrawWithoutShares(t *testing.T) {
	p, book, _ := newTestPool(t)
	fundPool(t, book, p, 1_000_000, 1_000_000)
	if _, err := p.Deposit(alice, alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, _, err := p.Withdraw(alice, alice); !errors.Is(err, ErrInsufficientSharesBurned) {
		t.Fatalf("expected ErrInsufficientSharesBurned, got %v", err)
	}
}

func TestSwapChargesFee(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	// floor(10*997*1000 / (1000*1000 + 10*997)) = 9
	fundPool(t, book, p, 10, 0)
	if err := p.Swap(alice, nil, big.NewInt(9), alice, nil, nil); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := book.BalanceOf(p.TokenHigh(), alice); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("alice received %s, want 9", got)
	}

	reserveLow, reserveHigh, _ := p.Reserves()
	if reserveLow.Cmp(big.NewInt(1010)) != 0 || reserveHigh.Cmp(big.NewInt(991)) != 0 {
		t.Fatalf("reserves = %s/%s, want 1010/991", reserveLow, reserveHigh)
	}

	product := new(big.Int).Mul(reserveLow, reserveHigh)
	if product.Cmp(big.NewInt(1000*1000)) < 0 {
		t.Fatalf("invariant product shrank: %s", product)
	}
}

func TestSwapOverchargedOutputFailsInvariant(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	// 10 in can buy at most 9 out; asking for 10 must fail the product check.
	fundPool(t, book, p, 10, 0)
	if err := p.Swap(alice, nil, big.NewInt(10), alice, nil, nil); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if got := book.BalanceOf(p.TokenHigh(), alice); got.Sign() != 0 {
		t.Fatalf("optimistic transfer not reverted, alice holds %s", got)
	}
}

func TestSwapCannotDrainReserve(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	if err := p.Swap(alice, nil, big.NewInt(1000), alice, nil, nil); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	// reserveOut-1 succeeds given the conservative required input.
	fundPool(t, book, p, 1_002_007, 0)
	if err := p.Swap(alice, nil, big.NewInt(999), alice, nil, nil); err != nil {
		t.Fatalf("swap for reserve-1: %v", err)
	}
	if got := book.BalanceOf(p.TokenHigh(), alice); got.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("alice received %s, want 999", got)
	}
}

func TestSwapWithoutInput(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	if err := p.Swap(alice, nil, big.NewInt(9), alice, nil, nil); !errors.Is(err, ErrInsufficientInput) {
		t.Fatalf("expected ErrInsufficientInput, got %v", err)
	}
	if got := book.BalanceOf(p.TokenHigh(), alice); got.Sign() != 0 {
		t.Fatalf("optimistic transfer not reverted, alice holds %s", got)
	}
}

func TestSwapZeroOutput(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	if err := p.Swap(alice, nil, nil, alice, nil, nil); !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("expected ErrInsufficientOutput, got %v", err)
	}
}

func TestSwapRecipientMustNotBePoolAsset(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	if err := p.Swap(alice, nil, big.NewInt(9), p.TokenLow(), nil, nil); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

type flashCallee struct {
	fn func(sender common.Address, outLow, outHigh *big.Int, data []byte) error
}

func (c *flashCallee) OnSwap(sender common.Address, outLow, outHigh *big.Int, data []byte) error {
	return c.fn(sender, outLow, outHigh, data)
}

func TestFlashSwapRepaysWithinCallback(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)
	if err := book.Mint(p.TokenLow(), alice, big.NewInt(10)); err != nil {
		t.Fatalf("fund alice: %v", err)
	}

	callee := &flashCallee{fn: func(common.Address, *big.Int, *big.Int, []byte) error {
		// Output already arrived; source the input now.
		return book.Transfer(p.TokenLow(), alice, p.Address(), big.NewInt(10))
	}}
	if err := p.Swap(alice, nil, big.NewInt(9), alice, callee, []byte("flash")); err != nil {
		t.Fatalf("flash swap: %v", err)
	}
	if got := book.BalanceOf(p.TokenHigh(), alice); got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("alice received %s, want 9", got)
	}
}

func TestReentrantSwapFailsAndLeavesStateIntact(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)

	beforeLow, beforeHigh, _ := p.Reserves()
	callee := &flashCallee{fn: func(common.Address, *big.Int, *big.Int, []byte) error {
		return p.Swap(alice, nil, big.NewInt(1), alice, nil, nil)
	}}

	err := p.Swap(alice, nil, big.NewInt(9), alice, callee, nil)
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}

	afterLow, afterHigh, _ := p.Reserves()
	if afterLow.Cmp(beforeLow) != 0 || afterHigh.Cmp(beforeHigh) != 0 {
		t.Fatalf("reserves changed across failed call: %s/%s -> %s/%s", beforeLow, beforeHigh, afterLow, afterHigh)
	}
	if got := book.BalanceOf(p.TokenHigh(), alice); got.Sign() != 0 {
		t.Fatalf("alice holds %s after failed call, want 0", got)
	}
}

func TestSkimPaysSurplusOnly(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)
	fundPool(t, book, p, 77, 0)

	if err := p.Skim(alice, bob); err != nil {
		t.Fatalf("skim: %v", err)
	}
	if got := book.BalanceOf(p.TokenLow(), bob); got.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("bob received %s, want 77", got)
	}
	reserveLow, _, _ := p.Reserves()
	if reserveLow.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("reserveLow = %s, want unchanged 1000", reserveLow)
	}
}

func TestSyncAdoptsBalances(t *testing.T) {
	p, book, _ := newTestPool(t)
	seedReserves(t, book, p, 1000, 1000)
	fundPool(t, book, p, 0, 500)

	if err := p.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	_, reserveHigh, _ := p.Reserves()
	if reserveHigh.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("reserveHigh = %s, want 1500", reserveHigh)
	}
}

func TestReserveOverflowAborts(t *testing.T) {
	p, book, _ := newTestPool(t)

	over := new(big.Int).Add(MaxReserve, big.NewInt(1))
	if err := book.Mint(p.TokenLow(), p.Address(), over); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := book.Mint(p.TokenHigh(), p.Address(), big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := p.Deposit(alice, alice); !errors.Is(err, ErrReserveOverflow) {
		t.Fatalf("expected ErrReserveOverflow, got %v", err)
	}
	if got := p.TotalShares(); got.Sign() != 0 {
		t.Fatalf("shares minted despite aborted deposit: %s", got)
	}
}

func TestPriceAccumulatorsIntegrateElapsedTime(t *testing.T) {
	p, book, clock := newTestPool(t)
	seedReserves(t, book, p, 1_000_000, 2_000_000)

	clock.t += 100
	if err := p.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	cumLow, cumHigh, lastSync := p.Cumulatives()
	wantLow := new(big.Int).Mul(big.NewInt(2), Q112)
	wantLow.Mul(wantLow, big.NewInt(100))
	if cumLow.Cmp(wantLow) != 0 {
		t.Fatalf("priceLowCumulative = %s, want %s", cumLow, wantLow)
	}
	wantHigh := new(big.Int).Rsh(Q112, 1) // 0.5 in UQ112.112
	wantHigh.Mul(wantHigh, big.NewInt(100))
	if cumHigh.Cmp(wantHigh) != 0 {
		t.Fatalf("priceHighCumulative = %s, want %s", cumHigh, wantHigh)
	}
	if lastSync != clock.t {
		t.Fatalf("lastSyncTime = %d, want %d", lastSync, clock.t)
	}
}

func TestCurrentCumulativesExtrapolate(t *testing.T) {
	p, book, clock := newTestPool(t)
	seedReserves(t, book, p, 1_000_000, 2_000_000)

	cumLow, _ := p.CurrentCumulatives(clock.t + 50)
	want := new(big.Int).Mul(big.NewInt(2), Q112)
	want.Mul(want, big.NewInt(50))
	if cumLow.Cmp(want) != 0 {
		t.Fatalf("extrapolated cumLow = %s, want %s", cumLow, want)
	}

	// The pool itself is untouched.
	stored, _, _ := p.Cumulatives()
	if stored.Sign() != 0 {
		t.Fatalf("stored cumulative mutated: %s", stored)
	}
}

func TestAccumulatorDeltaWrapsAround(t *testing.T) {
	nearMax := new(big.Int).Sub(accumulatorModulus, big.NewInt(5))
	later := big.NewInt(10)
	delta := AccumulatorDelta(later, nearMax)
	if delta.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("wrapped delta = %s, want 15", delta)
	}
}
