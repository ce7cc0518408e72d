/*
errors.go - Centralized error types for the accounting engine

PURPOSE:
  All engine error types in one place. Callers branch on the sentinel
  errors with errors.Is and pull details out with errors.As.

ERROR CATEGORIES:
  1. Validation errors - An invariant would be violated (raised at commit,
     or immediately by constructors for negative amounts)
  2. Not-found errors  - A named or identified entity does not exist
  3. Argument errors   - Degenerate input (empty distribution, malformed
     job-log record, releasing an already released hold)

PROPAGATION:
  The engine never recovers from its own errors. A failed commit leaves the
  ledger unchanged and the caller decides whether to rebuild and retry.

SEE ALSO:
  - constraints.go: Produces ValidationError
  - distribute.go: Produces ArgumentError
  - api/handlers.go: Maps these to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a ledger invariant would be violated.
	ErrValidation = errors.New("ledger: validation failed")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrArgument is returned for degenerate or malformed input.
	ErrArgument = errors.New("ledger: invalid argument")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Rule names a ledger invariant.
type Rule string

const (
	RuleAmountPositive    Rule = "amount-positive"
	RuleHoldSufficiency   Rule = "hold-sufficiency"
	RuleRefundSufficiency Rule = "refund-sufficiency"
)

// ValidationError identifies the rule and entity that failed.
type ValidationError struct {
	Rule  Rule
	Kind  string // "allocation", "hold", "charge", "refund"
	ID    string
	Value int64 // offending amount or committed total
	Limit int64 // capacity the value was checked against, if any
}

func (e *ValidationError) Error() string {
	switch e.Rule {
	case RuleHoldSufficiency:
		return fmt.Sprintf("cannot hold more than is available: %s %s has %d committed against %d",
			e.Kind, e.ID, e.Value, e.Limit)
	case RuleRefundSufficiency:
		return fmt.Sprintf("cannot refund more than was charged: %s %s effective amount %d",
			e.Kind, e.ID, e.Value)
	default:
		return fmt.Sprintf("%s amount must not be negative: %d", e.Kind, e.Value)
	}
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError reports a missing entity by kind and lookup key.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ArgumentError reports degenerate input to an operation.
type ArgumentError struct {
	Op     string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ArgumentError) Unwrap() error {
	return ErrArgument
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is an invariant violation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsArgument returns true if the error is due to invalid caller input.
func IsArgument(err error) bool {
	return errors.Is(err, ErrArgument)
}
