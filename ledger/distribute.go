/*
distribute.go - Splitting one hold or charge across several allocations

PURPOSE:
  A project usually has more than one allocation for a resource. When a job
  needs 900 units and the project holds two allocations of 600, the request
  is split: drain the first allocation, take the rest from the second.

ORDERING:
  The caller decides the order. ActiveAllocations returns soonest-expiring
  first, so capacity that is about to lapse is used before capacity that
  will still be there tomorrow.

ALGORITHM:
  remaining := amount
  for each allocation, in order:
      take := min(remaining, max(available, 0))
      if take > 0: emit share
      remaining -= take
  if remaining > 0: the last allocation absorbs it

  The last-allocation rule means the shares ALWAYS sum to the requested
  amount. If that overdraws the last allocation, the constraint engine
  rejects the resulting holds at commit. The distributor assigns; it does
  not validate.

EDGE CASES:
  - Empty allocation list: ArgumentError
  - Amount 0: exactly one zero share on the first allocation, so a record
    of the (free) hold or charge still exists

SEE ALSO:
  - session.go: CreateHoldsDistributed, CreateChargesDistributed
*/
package ledger

// Share is the part of a distributed amount assigned to one allocation.
type Share struct {
	Allocation *Allocation
	Amount     int64
}

// Distribute splits amount across allocations in the given order.
// Shares are returned in input order and always sum to amount.
func Distribute(allocations []*Allocation, amount int64) ([]Share, error) {
	if len(allocations) == 0 {
		return nil, &ArgumentError{Op: "distribute", Reason: "no allocations to distribute across"}
	}
	if amount < 0 {
		return nil, &ArgumentError{Op: "distribute", Reason: "amount must not be negative"}
	}

	if amount == 0 {
		return []Share{{Allocation: allocations[0], Amount: 0}}, nil
	}

	var shares []Share
	remaining := amount

	for _, alloc := range allocations {
		if remaining == 0 {
			break
		}

		available := max(alloc.AmountAvailable(), 0)
		take := min(remaining, available)
		if take == 0 {
			continue
		}

		shares = append(shares, Share{Allocation: alloc, Amount: take})
		remaining -= take
	}

	// Over capacity: the last allocation takes whatever is left.
	if remaining > 0 {
		last := allocations[len(allocations)-1]
		if n := len(shares); n > 0 && shares[n-1].Allocation == last {
			shares[n-1].Amount += remaining
		} else {
			shares = append(shares, Share{Allocation: last, Amount: remaining})
		}
	}

	return shares, nil
}
