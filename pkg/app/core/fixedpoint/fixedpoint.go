// Package fixedpoint converts base-asset amounts into quote-asset amounts
// using integer arithmetic only.
//
// Prices are expressed in quote smallest-units per whole base unit, so
//
//	quote = matched * price / 10^baseDecimals
//
// The product is carried in 256-bit words so it can never wrap; the result is
// floor-divided and must fit back into 64 bits. Truncation dust stays with the
// buyer's escrow and is refunded when the order closes.
package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
)

// MaxDecimals is the largest exponent whose power of ten fits in a uint64.
const MaxDecimals = 19

// BpsDenominator is the basis-point scale used for fee configuration.
const BpsDenominator = 10_000

// QuoteAmount returns floor(matched * price / decimalsFactor).
func QuoteAmount(matched, price, decimalsFactor uint64) (uint64, error) {
	if decimalsFactor == 0 {
		return 0, fmt.Errorf("%w: zero decimals factor", core.ErrArithmeticOverflow)
	}

	prod, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(matched), uint256.NewInt(price))
	if overflow {
		return 0, fmt.Errorf("%w: %d * %d", core.ErrArithmeticOverflow, matched, price)
	}
	q := new(uint256.Int).Div(prod, uint256.NewInt(decimalsFactor))
	if !q.IsUint64() {
		return 0, fmt.Errorf("%w: quote amount for %d @ %d exceeds 64 bits", core.ErrArithmeticOverflow, matched, price)
	}
	return q.Uint64(), nil
}

// FeeAmount returns floor(quote * feeBps / 10000).
func FeeAmount(quote uint64, feeBps uint16) (uint64, error) {
	if feeBps > BpsDenominator {
		return 0, fmt.Errorf("%w: fee_bps %d > %d", core.ErrInvalidConfiguration, feeBps, BpsDenominator)
	}
	return QuoteAmount(quote, uint64(feeBps), BpsDenominator)
}

// DecimalsFactor returns 10^decimals.
func DecimalsFactor(decimals uint8) (uint64, error) {
	if decimals > MaxDecimals {
		return 0, fmt.Errorf("%w: %d decimals exceeds %d", core.ErrInvalidConfiguration, decimals, MaxDecimals)
	}
	f := uint64(1)
	for i := uint8(0); i < decimals; i++ {
		f *= 10
	}
	return f, nil
}
