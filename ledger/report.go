package ledger

// =============================================================================
// REPORTING - Derived per-allocation totals
// =============================================================================

// AllocationSummary is the balance breakdown of one allocation.
type AllocationSummary struct {
	Allocation *Allocation

	Amount             int64
	ActiveHoldSum      int64
	ActiveHolds        int
	ChargeSum          int64
	Charges            int
	RefundSum          int64
	Refunds            int
	OutstandingCharges int64
	Available          int64
}

// Summary is a set of allocation summaries plus their totals.
type Summary struct {
	Allocations []AllocationSummary
	Total       AllocationSummary
}

// Summarize computes balances for allocations, in the order given.
// Sums saturate at the int64 bounds.
// Total.Allocation is nil.
func Summarize(allocations []*Allocation) Summary {
	var s Summary
	for _, a := range allocations {
		row := summarize(a)
		s.Allocations = append(s.Allocations, row)

		s.Total.Amount = addClamped(s.Total.Amount, row.Amount)
		s.Total.ActiveHoldSum = addClamped(s.Total.ActiveHoldSum, row.ActiveHoldSum)
		s.Total.ActiveHolds += row.ActiveHolds
		s.Total.ChargeSum = addClamped(s.Total.ChargeSum, row.ChargeSum)
		s.Total.Charges += row.Charges
		s.Total.RefundSum = addClamped(s.Total.RefundSum, row.RefundSum)
		s.Total.Refunds += row.Refunds
		s.Total.OutstandingCharges = addClamped(s.Total.OutstandingCharges, row.OutstandingCharges)
		s.Total.Available = addClamped(s.Total.Available, row.Available)
	}
	return s
}

func summarize(a *Allocation) AllocationSummary {
	row := AllocationSummary{
		Allocation:         a,
		Amount:             a.Amount,
		ActiveHoldSum:      a.ActiveHoldSum(),
		OutstandingCharges: a.OutstandingChargeSum(),
		Available:          a.AmountAvailable(),
	}
	for _, h := range a.Holds {
		if h.Active {
			row.ActiveHolds++
		}
	}
	for _, c := range a.Charges {
		row.Charges++
		row.ChargeSum = addClamped(row.ChargeSum, c.Amount)
		row.Refunds += len(c.Refunds)
		row.RefundSum = addClamped(row.RefundSum, c.RefundSum())
	}
	return row
}
