/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  only needs a transactional relational store: read an allocation graph,
  append rows, flip Hold.active, and run all of that inside one atomic
  transaction.

KEY INTERFACES:
  Reader: Graph loads (allocation + holds + charges + refunds) and
          reference-entity lookups
  Tx:     Reader plus the write operations, valid inside WithTx only
  Store:  Reader on committed state plus WithTx

APPEND-MOSTLY CONTRACT:
  - Insert* and Put* are the only row-creating writes
  - DeactivateHold is the ONLY update
  - NO Delete methods exist

READ-YOUR-WRITES:
  Reads through a Tx see rows written earlier in the same Tx. The
  constraint engine depends on this: it flushes the changeset first and
  then recomputes sums from Tx reads, so it validates the state that is
  about to become durable, not stale in-memory values.

LOCKING:
  LockAllocation and LockCharge serialize writers on the rows being
  validated. Stores whose WithTx already serializes all writers (memory,
  SQLite with immediate transactions) implement them as no-ops.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlstore: SQLite and PostgreSQL via database/sql

SEE ALSO:
  - session.go: The only caller of WithTx
*/
package ledger

import "context"

// AllocationFilter narrows Allocations. Empty fields match everything.
type AllocationFilter struct {
	ProjectID  string
	ResourceID string
}

// Reader loads ledger state. Returned graphs are fresh copies owned by
// the caller.
type Reader interface {
	// Allocation returns the allocation with its holds, charges and refunds.
	Allocation(ctx context.Context, id AllocationID) (*Allocation, error)

	// Allocations returns matching allocation graphs ordered by creation time.
	Allocations(ctx context.Context, filter AllocationFilter) ([]*Allocation, error)

	// HoldAllocation returns the allocation a hold belongs to.
	HoldAllocation(ctx context.Context, id HoldID) (AllocationID, error)

	// ChargeAllocation returns the allocation a charge belongs to.
	ChargeAllocation(ctx context.Context, id ChargeID) (AllocationID, error)

	Project(ctx context.Context, id string) (*Project, error)
	Resource(ctx context.Context, id string) (*Resource, error)
	User(ctx context.Context, id string) (*User, error)
	Job(ctx context.Context, id string) (*Job, error)
}

// Tx is a store transaction. It must not be used after WithTx returns.
type Tx interface {
	Reader

	// PutProject, PutResource and PutUser insert the row if it is absent.
	PutProject(ctx context.Context, p *Project) error
	PutResource(ctx context.Context, r *Resource) error
	PutUser(ctx context.Context, u *User) error

	// PutJob inserts or replaces the job record.
	PutJob(ctx context.Context, j *Job) error

	InsertAllocation(ctx context.Context, a *Allocation) error
	InsertHold(ctx context.Context, h *Hold) error
	InsertCharge(ctx context.Context, c *Charge) error
	InsertRefund(ctx context.Context, r *Refund) error

	// DeactivateHold sets active=false. It is the only update in the ledger.
	DeactivateHold(ctx context.Context, id HoldID) error

	LockAllocation(ctx context.Context, id AllocationID) error
	LockCharge(ctx context.Context, id ChargeID) error
}

// Store is the transactional relational store behind a Session.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
