package matching

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/fixedpoint"
)

// ValidateMatch re-checks a match before it is submitted for settlement.
func ValidateMatch(m Match) error {
	switch {
	case m.Matched == 0:
		return fmt.Errorf("%w: matched amount must be positive", core.ErrInvalidOrder)
	case m.ExecutionPrice == 0:
		return fmt.Errorf("%w: execution price must be positive", core.ErrInvalidOrder)
	case !m.Buy.IsBuy() || !m.Sell.IsSell():
		return fmt.Errorf("%w: incorrect sides %s/%s", core.ErrInvalidOrder, m.Buy.Side, m.Sell.Side)
	case m.Buy.Book != m.Sell.Book:
		return fmt.Errorf("%w: orders from different books %q and %q", core.ErrInvalidOrder, m.Buy.Book, m.Sell.Book)
	case !CanMatch(m.Buy.Price, m.Sell.Price):
		return fmt.Errorf("%w: buy price %d below sell price %d", core.ErrInvalidOrder, m.Buy.Price, m.Sell.Price)
	case m.ExecutionPrice < m.Sell.Price || m.ExecutionPrice > m.Buy.Price:
		return fmt.Errorf("%w: execution price %d outside [%d, %d]", core.ErrInvalidOrder, m.ExecutionPrice, m.Sell.Price, m.Buy.Price)
	case m.Matched > m.Buy.Amount || m.Matched > m.Sell.Amount:
		return fmt.Errorf("%w: matched %d exceeds order amounts", core.ErrExceedsRemaining, m.Matched)
	}
	return nil
}

// FilterValid drops matches that fail ValidateMatch.
func FilterValid(matches []Match) (valid []Match, rejected []error) {
	for _, m := range matches {
		if err := ValidateMatch(m); err != nil {
			rejected = append(rejected, fmt.Errorf("match %d/%d: %w", m.Buy.ID, m.Sell.ID, err))
			continue
		}
		valid = append(valid, m)
	}
	return valid, rejected
}

// Stats summarises a set of matches for operators.
type Stats struct {
	MatchCount   int             `json:"match_count"`
	BaseVolume   decimal.Decimal `json:"base_volume"`   // whole base units
	QuoteVolume  decimal.Decimal `json:"quote_volume"`  // quote smallest units
	AveragePrice decimal.Decimal `json:"average_price"` // quote units per whole base unit
	TotalFees    decimal.Decimal `json:"total_fees"`    // quote smallest units
}

// CalculateStats aggregates volume, volume-weighted price and the fee the
// book's fee_bps would charge on the quote volume.
func CalculateStats(matches []Match, feeBps uint16, baseDecimals uint8) Stats {
	baseRaw := decimal.Zero
	quote := decimal.Zero
	for _, m := range matches {
		amt := decimalFromUint(m.Matched)
		baseRaw = baseRaw.Add(amt)
		quote = quote.Add(amt.Mul(decimalFromUint(m.ExecutionPrice)).Shift(-int32(baseDecimals)))
	}

	s := Stats{
		MatchCount:   len(matches),
		BaseVolume:   baseRaw.Shift(-int32(baseDecimals)),
		QuoteVolume:  quote,
		AveragePrice: decimal.Zero,
		TotalFees:    quote.Mul(decimal.NewFromInt(int64(feeBps))).Div(decimal.NewFromInt(fixedpoint.BpsDenominator)),
	}
	if !s.BaseVolume.IsZero() {
		s.AveragePrice = s.QuoteVolume.Div(s.BaseVolume)
	}
	return s
}

// Prioritize orders matches for submission: larger notional first, then the
// match whose maker has waited longest.
func Prioritize(matches []Match) []Match {
	out := make([]Match, len(matches))
	copy(out, matches)
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := notional(out[i]), notional(out[j])
		if c := ni.Cmp(nj); c != 0 {
			return c > 0
		}
		return oldest(out[i]) < oldest(out[j])
	})
	return out
}

func notional(m Match) decimal.Decimal {
	return decimalFromUint(m.Matched).Mul(decimalFromUint(m.ExecutionPrice))
}

func oldest(m Match) uint64 {
	return min(m.Buy.Timestamp, m.Sell.Timestamp)
}

func decimalFromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
