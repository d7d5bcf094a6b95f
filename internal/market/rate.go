package market

import (
	"math/big"
	"time"
)

// DefaultRateDecimals is the fixed-point precision of the price oracle.
const DefaultRateDecimals uint8 = 8

// Rate is the fiat value of one native unit as a fixed-point integer:
// Value / 10^Decimals fiat units.
type Rate struct {
	Value    *big.Int
	Decimals uint8
}

// NewRate builds a Rate.
func NewRate(value int64, decimals uint8) Rate {
	return Rate{Value: big.NewInt(value), Decimals: decimals}
}

// Valid reports whether the rate is usable for conversion.
func (r Rate) Valid() bool {
	return r.Value != nil && r.Value.Sign() > 0
}

// String renders the rate as a decimal amount.
func (r Rate) String() string {
	if r.Value == nil {
		return "<nil>"
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.Decimals)), nil)
	return new(big.Rat).SetFrac(r.Value, denom).FloatString(int(r.Decimals))
}

// PriceQuote is a rate with the time it was fetched.
type PriceQuote struct {
	Rate      Rate
	FetchedAt time.Time
}

// Age returns how old the quote is at now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}
