// Package money holds the exact decimal helpers used on every price,
// quantity, balance and fee path. Nothing here touches binary floats.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DivisionPrecision is the number of decimal places kept when a value must be
// divided (average prices, VWAP entries). Balances are never divided.
const DivisionPrecision int32 = 16

var Zero = decimal.Zero

// Parse converts a boundary string into an exact decimal.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is for constants and tests.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func IsPositive(v decimal.Decimal) bool { return v.Sign() > 0 }

// IsMultiple reports whether v is an integer multiple of step.
// A non-positive step never matches.
func IsMultiple(v, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return false
	}
	return v.Mod(step).IsZero()
}

// TruncateToStep rounds a non-negative residual quantity down to a whole
// number of steps.
func TruncateToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 || v.Sign() <= 0 {
		return decimal.Zero
	}
	return v.Sub(v.Mod(step))
}

func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// RoundFee applies the fee rounding rule (half-up) to an exact fee basis.
// For the non-negative fees charged here half-up always favours the exchange.
func RoundFee(basis decimal.Decimal, scale int32) decimal.Decimal {
	return basis.Round(scale)
}

// CeilAt rounds a non-negative value up at scale places.
func CeilAt(v decimal.Decimal, scale int32) decimal.Decimal {
	return v.RoundUp(scale)
}

// Average divides a filled notional by a filled quantity.
func Average(notional, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.DivRound(qty, DivisionPrecision)
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
