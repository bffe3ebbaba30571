package pool

import "math/big"

// Price accumulators use UQ112.112 fixed point and wrap modulo 2^256. Consumers
// take differences under the same modulus, so wraparound is lossless as long as
// the sampling interval stays well below a full cycle.
var (
	// Q112 is the UQ112.112 scaling factor.
	Q112 = new(big.Int).Lsh(big.NewInt(1), 112)

	// MaxReserve is the widest representable reserve, 2^112-1.
	MaxReserve = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(1))

	accumulatorModulus = new(big.Int).Lsh(big.NewInt(1), 256)
)

// EncodePrice returns num/den as UQ112.112 fixed point.
func EncodePrice(num, den *big.Int) *big.Int {
	price := new(big.Int).Lsh(num, 112)
	return price.Div(price, den)
}

// wrapAdd adds delta into acc in place, reducing modulo 2^256.
func wrapAdd(acc, delta *big.Int) *big.Int {
	acc.Add(acc, delta)
	return acc.Mod(acc, accumulatorModulus)
}

// AccumulatorDelta returns later-earlier under 2^256 wraparound arithmetic.
func AccumulatorDelta(later, earlier *big.Int) *big.Int {
	delta := new(big.Int).Sub(later, earlier)
	return delta.Mod(delta, accumulatorModulus)
}
