/*
balance.go - Balance arithmetic over the entity graph

PURPOSE:
  Answers the two questions every other component asks:
    "How much of this allocation can still be held or charged?"
    "How much of this charge is still outstanding?"

AVAILABILITY CALCULATION:
  Available = Amount - ActiveHolds - OutstandingCharges

  where OutstandingCharges is the sum of each charge's effective amount
  (charge amount minus its refunds). Released holds are excluded entirely,
  no matter when they were released.

  Available may be negative. That is a valid, queryable state (an
  overdrawn allocation); the constraint engine decides when it is an error.

OVERFLOW:
  Sums are taken in decimal, so no combination of int64 amounts wraps.
  The int64 accessors clamp to [MinInt64, MaxInt64]; the constraint
  engine compares the exact totals.

EXAMPLE:
  Allocation 1200, Charge 600, Refund 400, Charge 300:
    Outstanding = (600 - 400) + 300 = 500
    Available   = 1200 - 0 - 500   = 700

SEE ALSO:
  - constraints.go: Uses these sums at commit time
  - distribute.go: Uses AmountAvailable to split requests
*/
package ledger

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// clampInt64 converts d to int64, saturating at the bounds.
func clampInt64(d decimal.Decimal) int64 {
	switch {
	case d.GreaterThan(maxInt64):
		return math.MaxInt64
	case d.LessThan(minInt64):
		return math.MinInt64
	}
	return d.IntPart()
}

// addClamped is x+y saturated to the int64 range.
func addClamped(x, y int64) int64 {
	return clampInt64(decimal.NewFromInt(x).Add(decimal.NewFromInt(y)))
}

// =============================================================================
// EXACT TOTALS
// =============================================================================

func (a *Allocation) activeHoldTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, h := range a.Holds {
		if h.Active {
			sum = sum.Add(decimal.NewFromInt(h.Amount))
		}
	}
	return sum
}

func (a *Allocation) outstandingChargeTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range a.Charges {
		sum = sum.Add(c.effectiveTotal())
	}
	return sum
}

// committedTotal is active holds plus outstanding charges.
func (a *Allocation) committedTotal() decimal.Decimal {
	return a.activeHoldTotal().Add(a.outstandingChargeTotal())
}

func (c *Charge) refundTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range c.Refunds {
		sum = sum.Add(decimal.NewFromInt(r.Amount))
	}
	return sum
}

func (c *Charge) effectiveTotal() decimal.Decimal {
	return decimal.NewFromInt(c.Amount).Sub(c.refundTotal())
}

// =============================================================================
// INT64 ACCESSORS
// =============================================================================

// ActiveHoldSum is the sum of active hold amounts on the allocation.
func (a *Allocation) ActiveHoldSum() int64 {
	return clampInt64(a.activeHoldTotal())
}

// OutstandingChargeSum is the sum of effective amounts of the allocation's charges.
func (a *Allocation) OutstandingChargeSum() int64 {
	return clampInt64(a.outstandingChargeTotal())
}

// AmountAvailable returns what can still be held or charged. May be negative.
func (a *Allocation) AmountAvailable() int64 {
	return clampInt64(decimal.NewFromInt(a.Amount).Sub(a.committedTotal()))
}

// RefundSum is the total refunded against the charge.
func (c *Charge) RefundSum() int64 {
	return clampInt64(c.refundTotal())
}

// EffectiveAmount is the charge amount minus its refunds. Only negative
// transiently, before commit validation rejects it.
func (c *Charge) EffectiveAmount() int64 {
	return clampInt64(c.effectiveTotal())
}
