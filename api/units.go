package api

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// DISPLAY UNITS
// =============================================================================

// Units converts between stored integer resource units and the decimal
// amounts clients see. A factor of 1/3600 shows core-seconds as core-hours.
type Units struct {
	num   decimal.Decimal
	den   decimal.Decimal
	Label string
}

// displayPlaces bounds the precision of displayed amounts.
const displayPlaces = 6

// IdentityUnits shows stored units unchanged.
func IdentityUnits() Units {
	return Units{num: decimal.NewFromInt(1), den: decimal.NewFromInt(1), Label: "units"}
}

// ParseUnits parses a factor given as a decimal ("0.5") or a fraction
// ("1/3600"). The factor must be positive.
func ParseUnits(factor, label string) (Units, error) {
	numStr, denStr, isFraction := strings.Cut(strings.TrimSpace(factor), "/")
	if !isFraction {
		denStr = "1"
	}

	num, err := decimal.NewFromString(strings.TrimSpace(numStr))
	if err != nil {
		return Units{}, fmt.Errorf("unit factor %q: %w", factor, err)
	}
	den, err := decimal.NewFromString(strings.TrimSpace(denStr))
	if err != nil {
		return Units{}, fmt.Errorf("unit factor %q: %w", factor, err)
	}
	if !num.IsPositive() || !den.IsPositive() {
		return Units{}, fmt.Errorf("unit factor %q must be positive", factor)
	}

	return Units{num: num, den: den, Label: label}, nil
}

// Display converts stored units to a display amount.
func (u Units) Display(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Mul(u.num).DivRound(u.den, displayPlaces)
}

var (
	maxUnits = decimal.NewFromInt(math.MaxInt64)
	minUnits = decimal.NewFromInt(math.MinInt64)
)

// Parse converts a display amount to stored units, rounding half away
// from zero. Amounts that do not fit in an int64 are an ArgumentError.
func (u Units) Parse(amount decimal.Decimal) (int64, error) {
	units := amount.Mul(u.den).Div(u.num).Round(0)
	if units.GreaterThan(maxUnits) || units.LessThan(minUnits) {
		return 0, &ledger.ArgumentError{
			Op:     "parse amount",
			Reason: fmt.Sprintf("%s %s is out of range", amount, u.Label),
		}
	}
	return units.IntPart(), nil
}
