package oracle

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ammscope/internal/model"
	"ammscope/internal/pool"
	"ammscope/internal/storage"
)

var (
	// ErrNoObservations is returned when fewer than two observations exist.
	ErrNoObservations = errors.New("not enough observations")
	// ErrWindowTooShort is returned when the chosen observations span less than
	// the configured minimum window.
	ErrWindowTooShort = errors.New("observation window too short")
	// ErrFutureObservation is returned when the latest observation is ahead of
	// the caller's clock.
	ErrFutureObservation = errors.New("latest observation is in the future")
	// ErrNoLiquidity is returned when a spot price is requested for empty reserves.
	ErrNoLiquidity = errors.New("pool has no liquidity")
)

// Observation is one sample of a pool's cumulative price accumulators.
// Sequences are append-only with strictly increasing timestamps.
type Observation struct {
	Timestamp           uint64
	PriceLowCumulative  *big.Int
	PriceHighCumulative *big.Int
}

// TWAP is a time-weighted average price pair in UQ112.112 fixed point.
// PriceLow prices tokenLow in units of tokenHigh and vice versa.
type TWAP struct {
	PriceLow  *big.Int
	PriceHigh *big.Int
	Elapsed   uint64
}

// Oracle samples pool price accumulators on an external cadence and answers
// time-weighted average price queries resistant to single-instant swings.
type Oracle struct {
	mu           sync.Mutex
	observations map[common.Address][]Observation

	minWindow uint64
	sink      storage.ObservationSink
	logger    *zap.Logger
	now       func() uint64
}

// Config carries oracle settings. MinWindow is the smallest acceptable elapsed
// time, in seconds, between the observations a query settles on.
type Config struct {
	MinWindow uint64
	Sink      storage.ObservationSink
	Logger    *zap.Logger
	Now       func() uint64
}

func New(cfg Config) *Oracle {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		observations: make(map[common.Address][]Observation),
		minWindow:    cfg.MinWindow,
		sink:         cfg.Sink,
		logger:       logger,
		now:          cfg.Now,
	}
}

// Update appends a new observation for the pool when time has strictly
// advanced past the last one. Repeated calls within the same second are no-ops.
func (o *Oracle) Update(p *pool.Pool) error {
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	series := o.observations[p.Address()]
	if len(series) > 0 && series[len(series)-1].Timestamp >= now {
		return nil
	}

	cumLow, cumHigh := p.CurrentCumulatives(now)
	obs := Observation{
		Timestamp:           now,
		PriceLowCumulative:  cumLow,
		PriceHighCumulative: cumHigh,
	}
	o.observations[p.Address()] = append(series, obs)

	if o.sink != nil {
		record := model.Observation{
			Pool:                p.Address().Hex(),
			Timestamp:           obs.Timestamp,
			PriceLowCumulative:  cumLow.String(),
			PriceHighCumulative: cumHigh.String(),
		}
		if err := o.sink.PutObservationBatch([]model.Observation{record}); err != nil {
			o.logger.Warn("observation sink write failed",
				zap.String("pool", record.Pool),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Consult returns the average price pair over at most the requested window,
// derived from the slope of the cumulative accumulators between the latest
// observation and the oldest one still inside the window.
func (o *Oracle) Consult(p *pool.Pool, window uint64) (TWAP, error) {
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	series := o.observations[p.Address()]
	if len(series) < 2 {
		return TWAP{}, ErrNoObservations
	}

	latest := series[len(series)-1]
	if latest.Timestamp > now {
		return TWAP{}, ErrFutureObservation
	}

	var boundary uint64
	if window < now {
		boundary = now - window
	}
	oldest := latest
	for i := len(series) - 2; i >= 0; i-- {
		oldest = series[i]
		if series[i].Timestamp <= boundary {
			break
		}
	}

	elapsed := latest.Timestamp - oldest.Timestamp
	if elapsed == 0 || elapsed < o.minWindow {
		return TWAP{}, ErrWindowTooShort
	}

	div := new(big.Int).SetUint64(elapsed)
	priceLow := pool.AccumulatorDelta(latest.PriceLowCumulative, oldest.PriceLowCumulative)
	priceHigh := pool.AccumulatorDelta(latest.PriceHighCumulative, oldest.PriceHighCumulative)
	return TWAP{
		PriceLow:  priceLow.Div(priceLow, div),
		PriceHigh: priceHigh.Div(priceHigh, div),
		Elapsed:   elapsed,
	}, nil
}

// SpotPrice derives the instantaneous price pair from current reserves.
func (o *Oracle) SpotPrice(p *pool.Pool) (priceLow, priceHigh *big.Int, err error) {
	reserveLow, reserveHigh, _ := p.Reserves()
	if reserveLow.Sign() == 0 || reserveHigh.Sign() == 0 {
		return nil, nil, ErrNoLiquidity
	}
	return pool.EncodePrice(reserveHigh, reserveLow), pool.EncodePrice(reserveLow, reserveHigh), nil
}

// IsPriceManipulated reports whether the spot price deviates from the TWAP by
// more than thresholdBps basis points. Detection only; nothing is blocked.
func (o *Oracle) IsPriceManipulated(p *pool.Pool, window uint64, thresholdBps uint64) (bool, error) {
	spotLow, _, err := o.SpotPrice(p)
	if err != nil {
		return false, err
	}
	twap, err := o.Consult(p, window)
	if err != nil {
		return false, err
	}
	if twap.PriceLow.Sign() == 0 {
		return spotLow.Sign() != 0, nil
	}

	deviation := new(big.Int).Sub(spotLow, twap.PriceLow)
	deviation.Abs(deviation)
	deviation.Mul(deviation, big.NewInt(10000))
	deviation.Div(deviation, twap.PriceLow)
	return deviation.Cmp(new(big.Int).SetUint64(thresholdBps)) > 0, nil
}

// Observations returns a copy of the stored series for the pool.
func (o *Oracle) Observations(p *pool.Pool) []Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	series := o.observations[p.Address()]
	out := make([]Observation, len(series))
	copy(out, series)
	return out
}
