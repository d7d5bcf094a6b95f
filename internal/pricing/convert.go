package pricing

import (
	"math/big"
	"time"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/market"
)

// NativeDecimals is the number of base units in one native unit (wei per ether).
const NativeDecimals = 18

var (
	weiPerNative    = new(big.Int).Exp(big.NewInt(10), big.NewInt(NativeDecimals), nil)
	minorPerMajor   = big.NewInt(100)
	errInvalidRate  = svcerrors.Conversion("exchange rate must be positive", nil)
	errNegativeCost = svcerrors.Conversion("price must not be negative", nil)
)

// ToNativeUnits converts a fiat price in minor units (cents) to base native
// units, rounding up so the payment never falls short of the price:
//
//	wei = ceil(cents * 10^18 * 10^decimals / (100 * rate))
func ToNativeUnits(priceMinorUnits *big.Int, rate market.Rate) (*big.Int, error) {
	if priceMinorUnits == nil || priceMinorUnits.Sign() < 0 {
		return nil, errNegativeCost
	}
	if !rate.Valid() {
		return nil, errInvalidRate
	}

	num := new(big.Int).Mul(priceMinorUnits, weiPerNative)
	num.Mul(num, pow10(rate.Decimals))
	den := new(big.Int).Mul(minorPerMajor, rate.Value)

	return ceilDiv(num, den), nil
}

// ToNativeUnitsUint64 is ToNativeUnits for the common uint64 price.
func ToNativeUnitsUint64(priceMinorUnits uint64, rate market.Rate) (*big.Int, error) {
	return ToNativeUnits(new(big.Int).SetUint64(priceMinorUnits), rate)
}

// FromNativeUnits converts base native units back to fiat minor units,
// rounding down.
func FromNativeUnits(wei *big.Int, rate market.Rate) (*big.Int, error) {
	if wei == nil || wei.Sign() < 0 {
		return nil, errNegativeCost
	}
	if !rate.Valid() {
		return nil, errInvalidRate
	}

	num := new(big.Int).Mul(wei, minorPerMajor)
	num.Mul(num, rate.Value)
	den := new(big.Int).Mul(weiPerNative, pow10(rate.Decimals))

	return num.Quo(num, den), nil
}

// Conversion is a priced quote ready to show a buyer.
type Conversion struct {
	PriceMinorUnits uint64
	Rate            market.Rate
	NativeUnits     *big.Int
	FetchedAt       time.Time
}

// Convert prices cents against quote.
func Convert(priceMinorUnits uint64, quote market.PriceQuote) (Conversion, error) {
	wei, err := ToNativeUnitsUint64(priceMinorUnits, quote.Rate)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		PriceMinorUnits: priceMinorUnits,
		Rate:            quote.Rate,
		NativeUnits:     wei,
		FetchedAt:       quote.FetchedAt,
	}, nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
