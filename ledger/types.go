/*
Package ledger provides the allocation accounting engine.

PURPOSE:
  Tracks grants of a fungible resource to projects (allocations), soft
  reservations against them (holds), posted consumption (charges) and
  partial reversals of consumption (refunds). Balances are never stored;
  they are always derived from the entity graph.

KEY CONCEPTS IN THIS FILE (types.go):
  - Allocation: A fixed amount of a resource granted to a project for a window
  - Hold:       A reservation against an allocation, released by deactivation
  - Charge:     A permanent consumption against an allocation
  - Refund:     A reversal of part (or all) of a charge
  - Project/Resource/User: Reference entities keyed by their upstream ID
  - Job:        Scheduler job record used to correlate holds and charges

DESIGN PRINCIPLES:
  1. Append-mostly: Nothing is deleted. The only update is Hold.Active -> false
  2. Integer units: Amounts are int64 resource units; scaling is display-only
  3. Commit-time validation: Invariants are checked once, at commit (constraints.go)
  4. Derived balances: AmountAvailable and EffectiveAmount are pure reads

USAGE:
  s := ledger.NewSession(store, resolver)
  project, _ := s.Project(ctx, "grant-1")
  resource, _ := s.Resource(ctx, "cluster")
  alloc, _ := s.CreateAllocation(project, resource, 1200, start, end, "initial grant")
  _, _ = s.CreateHold(alloc, 300, "job 42")
  err := s.Commit(ctx)

SEE ALSO:
  - balance.go: Balance arithmetic
  - distribute.go: Splitting an amount across allocations
  - constraints.go: Commit-time invariant enforcement
  - session.go: Unit of work and engine operations
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AllocationID string
type HoldID string
type ChargeID string
type RefundID string

// NewID returns a fresh random identifier for a ledger entity.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// REFERENCE ENTITIES
// =============================================================================

// Project is the owner of allocations. ID is the canonical upstream ID.
type Project struct {
	ID   string
	Name string
}

// Resource is the thing being allocated (a cluster, a storage pool, ...).
type Resource struct {
	ID   string
	Name string
}

// User posts holds and charges.
type User struct {
	ID   string
	Name string
}

// Job is an opaque correlation record imported from the batch scheduler.
type Job struct {
	ID         string
	UserName   string
	Group      string
	Account    string
	Name       string
	Queue      string
	ExitStatus *int
	Start      time.Time
	End        time.Time

	// Raw attributes from the scheduler log, e.g. "resources_used.walltime".
	Attributes map[string]string
}

// =============================================================================
// BALANCE-BEARING ENTITIES
// =============================================================================

// Allocation grants Amount of Resource to Project over [Start, End).
type Allocation struct {
	ID       AllocationID
	Project  *Project
	Resource *Resource
	Datetime time.Time
	Amount   int64
	Start    time.Time
	End      time.Time
	Comment  string

	Holds   []*Hold
	Charges []*Charge
}

// IsActive reports whether the allocation window contains now.
func (a *Allocation) IsActive(now time.Time) bool {
	return !now.Before(a.Start) && now.Before(a.End)
}

// Hold reserves part of an allocation. Once released (Active=false) it no
// longer counts against capacity and is never reactivated.
type Hold struct {
	ID         HoldID
	Allocation *Allocation
	Job        *Job
	User       *User
	Datetime   time.Time
	Amount     int64
	Comment    string
	Active     bool
}

// Charge records consumption against an allocation.
type Charge struct {
	ID         ChargeID
	Allocation *Allocation
	Job        *Job
	User       *User
	Datetime   time.Time
	Amount     int64
	Comment    string

	Refunds []*Refund
}

// Refund reverses part of a charge.
type Refund struct {
	ID       RefundID
	Charge   *Charge
	Datetime time.Time
	Amount   int64
	Comment  string
}

// =============================================================================
// ENTRY OPTIONS
// =============================================================================

// EntryOption sets optional references on a new hold or charge.
type EntryOption func(*entry)

type entry struct {
	job  *Job
	user *User
}

// WithJob correlates the entry with a scheduler job.
func WithJob(job *Job) EntryOption {
	return func(e *entry) { e.job = job }
}

// WithUser records who posted the entry.
func WithUser(user *User) EntryOption {
	return func(e *entry) { e.user = user }
}

func applyEntryOptions(opts []EntryOption) entry {
	var e entry
	for _, opt := range opts {
		opt(&e)
	}
	return e
}
