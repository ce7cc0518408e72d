/*
constraints.go - Commit-time invariant enforcement

PURPOSE:
  Guarantees that no invariant violation is ever durably persisted. Every
  Session.Commit runs the validators below, in order, inside the store
  transaction that is about to commit. The first failure rolls the whole
  transaction back.

WHY COMMIT-TIME?
  Multi-entity operations are built up first and checked once. Creating an
  allocation and a hold against it in the same session validates against
  the allocation that is being created. Distributing one logical charge
  across three allocations is checked as one unit.

VALIDATORS (fixed order):
  1. amount-positive:     Every pending allocation/hold/charge/refund >= 0
  2. hold-sufficiency:    For every allocation touched by a pending ACTIVE
                          hold: active holds + outstanding charges <= amount
  3. refund-sufficiency:  For every charge touched by a pending refund:
                          effective amount >= 0

RECOMPUTATION:
  Sufficiency checks reload the allocation graph through the Tx after the
  changeset has been flushed. They see other writers' committed rows plus
  this session's rows, never a stale in-memory total. A hold released in
  the same changeset is already inactive in that state and never counts.

EXTENDING:
  A Validator is just a named function over the typed Changeset. Extra
  validators can be appended with WithValidators; the built-in ones always
  run first.

SEE ALSO:
  - session.go: Builds the Changeset and calls Validate
  - errors.go:  ValidationError
*/
package ledger

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
)

// Changeset is the pending part of a session, partitioned by entity kind.
// Holds contains both new holds and holds released in this session.
type Changeset struct {
	Allocations []*Allocation
	Holds       []*Hold
	Charges     []*Charge
	Refunds     []*Refund
}

// Empty reports whether there is nothing to validate.
func (cs *Changeset) Empty() bool {
	return len(cs.Allocations) == 0 && len(cs.Holds) == 0 &&
		len(cs.Charges) == 0 && len(cs.Refunds) == 0
}

// Validator checks one invariant over a changeset. tx reflects the
// flushed changeset.
type Validator struct {
	Name  string
	Check func(ctx context.Context, tx Reader, cs *Changeset) error
}

// DefaultValidators returns the built-in rules in their fixed order.
func DefaultValidators() []Validator {
	return []Validator{
		{Name: string(RuleAmountPositive), Check: checkAmountsPositive},
		{Name: string(RuleHoldSufficiency), Check: checkHoldSufficiency},
		{Name: string(RuleRefundSufficiency), Check: checkRefundSufficiency},
	}
}

// Validate runs validators in order and returns the first failure.
func Validate(ctx context.Context, tx Reader, cs *Changeset, validators []Validator) error {
	for _, v := range validators {
		if err := v.Check(ctx, tx, cs); err != nil {
			return err
		}
	}
	return nil
}

func checkAmountsPositive(_ context.Context, _ Reader, cs *Changeset) error {
	for _, a := range cs.Allocations {
		if a.Amount < 0 {
			return negativeAmount("allocation", string(a.ID), a.Amount)
		}
	}
	for _, h := range cs.Holds {
		if h.Amount < 0 {
			return negativeAmount("hold", string(h.ID), h.Amount)
		}
	}
	for _, c := range cs.Charges {
		if c.Amount < 0 {
			return negativeAmount("charge", string(c.ID), c.Amount)
		}
	}
	for _, r := range cs.Refunds {
		if r.Amount < 0 {
			return negativeAmount("refund", string(r.ID), r.Amount)
		}
	}
	return nil
}

func checkHoldSufficiency(ctx context.Context, tx Reader, cs *Changeset) error {
	for _, id := range heldAllocations(cs) {
		a, err := tx.Allocation(ctx, id)
		if err != nil {
			return err
		}
		committed := a.committedTotal()
		if committed.GreaterThan(decimal.NewFromInt(a.Amount)) {
			return &ValidationError{
				Rule:  RuleHoldSufficiency,
				Kind:  "allocation",
				ID:    string(a.ID),
				Value: clampInt64(committed),
				Limit: a.Amount,
			}
		}
	}
	return nil
}

func checkRefundSufficiency(ctx context.Context, tx Reader, cs *Changeset) error {
	for _, id := range refundedCharges(cs) {
		c, err := loadCharge(ctx, tx, id)
		if err != nil {
			return err
		}
		if effective := c.effectiveTotal(); effective.IsNegative() {
			return &ValidationError{
				Rule:  RuleRefundSufficiency,
				Kind:  "charge",
				ID:    string(c.ID),
				Value: clampInt64(effective),
				Limit: c.Amount,
			}
		}
	}
	return nil
}

func negativeAmount(kind, id string, amount int64) error {
	return &ValidationError{Rule: RuleAmountPositive, Kind: kind, ID: id, Value: amount}
}

// heldAllocations returns the sorted, distinct allocations referenced by
// active holds in the changeset.
func heldAllocations(cs *Changeset) []AllocationID {
	var ids []AllocationID
	for _, h := range cs.Holds {
		if h.Active && h.Allocation != nil {
			ids = append(ids, h.Allocation.ID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// refundedCharges returns the sorted, distinct charges referenced by refunds.
func refundedCharges(cs *Changeset) []ChargeID {
	var ids []ChargeID
	for _, r := range cs.Refunds {
		if r.Charge != nil {
			ids = append(ids, r.Charge.ID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// loadCharge reads a charge, with its refunds, from r.
func loadCharge(ctx context.Context, r Reader, id ChargeID) (*Charge, error) {
	allocID, err := r.ChargeAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := r.Allocation(ctx, allocID)
	if err != nil {
		return nil, err
	}
	for _, c := range a.Charges {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, &NotFoundError{Kind: "charge", Key: string(id)}
}

// lockChangeset takes row locks, in a stable order, on everything the
// sufficiency checks will recompute.
func lockChangeset(ctx context.Context, tx Tx, cs *Changeset) error {
	for _, id := range heldAllocations(cs) {
		if err := tx.LockAllocation(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range refundedCharges(cs) {
		if err := tx.LockCharge(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
