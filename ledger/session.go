/*
session.go - Unit of work over the ledger

PURPOSE:
  A Session is where every engine operation happens. It:
  1. Loads allocation graphs and keeps one object per allocation (identity map)
  2. Resolves and caches reference entities (projects, resources, users, jobs)
  3. Collects new and modified entities (the pending changeset)
  4. Commits the changeset atomically after the constraint engine passes

SESSION FLOW:
  ┌───────────────────────────────────────────────────────────────────┐
  │                                                                   │
  │  Load / resolve   Create holds,       Commit                      │
  │  allocations ──▶  charges, refunds ──▶  lock ─▶ flush ─▶ validate │
  │                   (in memory)                        │            │
  │                                           ┌──────────┴────────┐   │
  │                                           ▼                   ▼   │
  │                                       committed        rolled back│
  │                                     (pending reset)   (discarded) │
  └───────────────────────────────────────────────────────────────────┘

IN-MEMORY BALANCES:
  New holds, charges and refunds are attached to their parents as soon as
  they are created, so AmountAvailable and EffectiveAmount include them
  before commit. Distribution relies on this.

FAILED COMMITS:
  The transaction is rolled back and the session discards the changeset:
  pending children are detached from their parents and holds released in
  the session are active again. The caller rebuilds and retries from scratch.

CONCURRENCY:
  A Session is a single logical actor and is not safe for concurrent use.
  Create one per request. Concurrency between sessions is the store's job.

SEE ALSO:
  - constraints.go: What Commit validates
  - distribute.go: CreateHoldsDistributed, CreateChargesDistributed
*/
package ledger

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// SESSION
// =============================================================================

type Session struct {
	store      Store
	resolver   Resolver
	clock      Clock
	logger     *zap.Logger
	validators []Validator

	// Identity map: at most one in-memory graph per allocation.
	allocations map[AllocationID]*Allocation

	// Reference-entity caches, keyed by external name (jobs by ID).
	projects  map[string]*Project
	resources map[string]*Resource
	users     map[string]*User
	jobs      map[string]*Job

	pending pending
}

type pending struct {
	projects    []*Project
	resources   []*Resource
	users       []*User
	jobs        []*Job
	allocations []*Allocation
	holds       []*Hold
	released    []*Hold
	charges     []*Charge
	refunds     []*Refund
}

func (p *pending) empty() bool {
	return len(p.projects) == 0 && len(p.resources) == 0 && len(p.users) == 0 &&
		len(p.jobs) == 0 && len(p.allocations) == 0 && len(p.holds) == 0 &&
		len(p.released) == 0 && len(p.charges) == 0 && len(p.refunds) == 0
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithValidators appends validators after the built-in rules.
func WithValidators(v ...Validator) Option {
	return func(s *Session) { s.validators = append(s.validators, v...) }
}

// NewSession starts a session against store, resolving names through resolver.
func NewSession(store Store, resolver Resolver, opts ...Option) *Session {
	s := &Session{
		store:       store,
		resolver:    resolver,
		clock:       SystemClock(),
		logger:      zap.NewNop(),
		validators:  DefaultValidators(),
		allocations: make(map[AllocationID]*Allocation),
		projects:    make(map[string]*Project),
		resources:   make(map[string]*Resource),
		users:       make(map[string]*User),
		jobs:        make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the session clock's current time.
func (s *Session) Now() time.Time {
	return s.clock.Now()
}

// =============================================================================
// REFERENCE ENTITIES - Resolved once, cached for the session
// =============================================================================

// Project resolves name to a project, creating the local record on first use.
func (s *Session) Project(ctx context.Context, name string) (*Project, error) {
	return reference(ctx, s.projects, &s.pending.projects, name,
		s.resolver.ProjectID, s.store.Project,
		func(id string) *Project { return &Project{ID: id, Name: name} })
}

// Resource resolves name to a resource, creating the local record on first use.
func (s *Session) Resource(ctx context.Context, name string) (*Resource, error) {
	return reference(ctx, s.resources, &s.pending.resources, name,
		s.resolver.ResourceID, s.store.Resource,
		func(id string) *Resource { return &Resource{ID: id, Name: name} })
}

// User resolves name to a user, creating the local record on first use.
func (s *Session) User(ctx context.Context, name string) (*User, error) {
	return reference(ctx, s.users, &s.pending.users, name,
		s.resolver.UserID, s.store.User,
		func(id string) *User { return &User{ID: id, Name: name} })
}

func reference[T any](
	ctx context.Context,
	cache map[string]*T,
	pend *[]*T,
	name string,
	resolve func(context.Context, string) (string, error),
	load func(context.Context, string) (*T, error),
	create func(id string) *T,
) (*T, error) {
	if v, ok := cache[name]; ok {
		return v, nil
	}

	id, err := resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	v, err := load(ctx, id)
	switch {
	case IsNotFound(err):
		v = create(id)
		*pend = append(*pend, v)
	case err != nil:
		return nil, err
	}

	cache[name] = v
	return v, nil
}

// Job returns a job by scheduler ID.
func (s *Session) Job(ctx context.Context, id string) (*Job, error) {
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}
	j, err := s.store.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	s.jobs[id] = j
	return j, nil
}

// SaveJob stages a job record for insert-or-replace at commit.
func (s *Session) SaveJob(job *Job) {
	s.jobs[job.ID] = job
	if !slices.Contains(s.pending.jobs, job) {
		s.pending.jobs = append(s.pending.jobs, job)
	}
}

func (s *Session) trackReferences(e entry) {
	if e.job != nil {
		if _, ok := s.jobs[e.job.ID]; !ok {
			s.SaveJob(e.job)
		}
	}
	if e.user != nil {
		if _, ok := s.users[e.user.Name]; !ok {
			s.users[e.user.Name] = e.user
			s.pending.users = append(s.pending.users, e.user)
		}
	}
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Allocation returns the session's graph for id, loading it on first use.
func (s *Session) Allocation(ctx context.Context, id AllocationID) (*Allocation, error) {
	if a, ok := s.allocations[id]; ok {
		return a, nil
	}
	a, err := s.store.Allocation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.adopt(a), nil
}

// Allocations returns allocations matching filter, including ones created
// in this session and not yet committed.
func (s *Session) Allocations(ctx context.Context, filter AllocationFilter) ([]*Allocation, error) {
	stored, err := s.store.Allocations(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := make([]*Allocation, 0, len(stored))
	seen := make(map[AllocationID]bool, len(stored))
	for _, a := range stored {
		a = s.adopt(a)
		seen[a.ID] = true
		result = append(result, a)
	}

	for _, a := range s.pending.allocations {
		if !seen[a.ID] && matches(a, filter) {
			result = append(result, a)
		}
	}
	return result, nil
}

// ActiveAllocations returns the project's allocations of resource that are
// active now, soonest-expiring first. This is the default distribution order.
func (s *Session) ActiveAllocations(ctx context.Context, project *Project, resource *Resource) ([]*Allocation, error) {
	all, err := s.Allocations(ctx, AllocationFilter{ProjectID: project.ID, ResourceID: resource.ID})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var active []*Allocation
	for _, a := range all {
		if a.IsActive(now) {
			active = append(active, a)
		}
	}

	slices.SortStableFunc(active, func(a, b *Allocation) int {
		if c := a.End.Compare(b.End); c != 0 {
			return c
		}
		return a.Start.Compare(b.Start)
	})
	return active, nil
}

// Hold returns a hold by ID, as part of its allocation's graph.
func (s *Session) Hold(ctx context.Context, id HoldID) (*Hold, error) {
	for _, h := range s.pending.holds {
		if h.ID == id {
			return h, nil
		}
	}

	allocID, err := s.store.HoldAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.Allocation(ctx, allocID)
	if err != nil {
		return nil, err
	}
	for _, h := range a.Holds {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, &NotFoundError{Kind: "hold", Key: string(id)}
}

// Charge returns a charge by ID, as part of its allocation's graph.
func (s *Session) Charge(ctx context.Context, id ChargeID) (*Charge, error) {
	for _, c := range s.pending.charges {
		if c.ID == id {
			return c, nil
		}
	}

	allocID, err := s.store.ChargeAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.Allocation(ctx, allocID)
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

func (s *Session) adopt(a *Allocation) *Allocation {
	if existing, ok := s.allocations[a.ID]; ok {
		return existing
	}
	s.allocations[a.ID] = a
	return a
}

func matches(a *Allocation, f AllocationFilter) bool {
	if f.ProjectID != "" && (a.Project == nil || a.Project.ID != f.ProjectID) {
		return false
	}
	if f.ResourceID != "" && (a.Resource == nil || a.Resource.ID != f.ResourceID) {
		return false
	}
	return true
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

// CreateAllocation grants amount of resource to project over [start, end).
func (s *Session) CreateAllocation(project *Project, resource *Resource, amount int64, start, end time.Time, comment string) (*Allocation, error) {
	if project == nil || resource == nil {
		return nil, &ArgumentError{Op: "create allocation", Reason: "project and resource are required"}
	}
	if !end.After(start) {
		return nil, &ArgumentError{Op: "create allocation", Reason: "end must be after start"}
	}
	if amount < 0 {
		return nil, negativeAmount("allocation", "", amount)
	}

	a := &Allocation{
		ID:       AllocationID(NewID()),
		Project:  project,
		Resource: resource,
		Datetime: s.clock.Now(),
		Amount:   amount,
		Start:    start,
		End:      end,
		Comment:  comment,
	}
	s.allocations[a.ID] = a
	s.pending.allocations = append(s.pending.allocations, a)
	return a, nil
}

// CreateHold reserves amount of allocation.
func (s *Session) CreateHold(allocation *Allocation, amount int64, comment string, opts ...EntryOption) (*Hold, error) {
	if allocation == nil {
		return nil, &ArgumentError{Op: "create hold", Reason: "allocation is required"}
	}
	if amount < 0 {
		return nil, negativeAmount("hold", "", amount)
	}

	e := applyEntryOptions(opts)
	s.trackReferences(e)

	h := &Hold{
		ID:         HoldID(NewID()),
		Allocation: allocation,
		Job:        e.job,
		User:       e.user,
		Datetime:   s.clock.Now(),
		Amount:     amount,
		Comment:    comment,
		Active:     true,
	}
	allocation.Holds = append(allocation.Holds, h)
	s.pending.holds = append(s.pending.holds, h)
	return h, nil
}

// CreateHoldsDistributed splits amount across allocations (see Distribute)
// and creates one hold per share.
func (s *Session) CreateHoldsDistributed(allocations []*Allocation, amount int64, comment string, opts ...EntryOption) ([]*Hold, error) {
	shares, err := Distribute(allocations, amount)
	if err != nil {
		return nil, err
	}

	holds := make([]*Hold, 0, len(shares))
	for _, share := range shares {
		h, err := s.CreateHold(share.Allocation, share.Amount, comment, opts...)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, nil
}

// ReleaseHold deactivates hold. Releasing is one-way; releasing an already
// released hold is an ArgumentError.
func (s *Session) ReleaseHold(hold *Hold) error {
	if hold == nil {
		return &ArgumentError{Op: "release hold", Reason: "hold is required"}
	}
	if !hold.Active {
		return &ArgumentError{Op: "release hold", Reason: "hold " + string(hold.ID) + " is already released"}
	}
	hold.Active = false
	s.pending.released = append(s.pending.released, hold)
	return nil
}

// ReleaseHolds releases every hold, stopping at the first error.
func (s *Session) ReleaseHolds(holds ...*Hold) error {
	for _, h := range holds {
		if err := s.ReleaseHold(h); err != nil {
			return err
		}
	}
	return nil
}

// CreateCharge posts consumption of amount against allocation.
func (s *Session) CreateCharge(allocation *Allocation, amount int64, comment string, opts ...EntryOption) (*Charge, error) {
	if allocation == nil {
		return nil, &ArgumentError{Op: "create charge", Reason: "allocation is required"}
	}
	if amount < 0 {
		return nil, negativeAmount("charge", "", amount)
	}

	e := applyEntryOptions(opts)
	s.trackReferences(e)

	c := &Charge{
		ID:         ChargeID(NewID()),
		Allocation: allocation,
		Job:        e.job,
		User:       e.user,
		Datetime:   s.clock.Now(),
		Amount:     amount,
		Comment:    comment,
	}
	allocation.Charges = append(allocation.Charges, c)
	s.pending.charges = append(s.pending.charges, c)
	return c, nil
}

// CreateChargesDistributed splits amount across allocations (see Distribute)
// and creates one charge per share.
func (s *Session) CreateChargesDistributed(allocations []*Allocation, amount int64, comment string, opts ...EntryOption) ([]*Charge, error) {
	shares, err := Distribute(allocations, amount)
	if err != nil {
		return nil, err
	}

	charges := make([]*Charge, 0, len(shares))
	for _, share := range shares {
		c, err := s.CreateCharge(share.Allocation, share.Amount, comment, opts...)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, nil
}

// CreateRefund reverses amount of charge.
func (s *Session) CreateRefund(charge *Charge, amount int64, comment string) (*Refund, error) {
	if charge == nil {
		return nil, &ArgumentError{Op: "create refund", Reason: "charge is required"}
	}
	if amount < 0 {
		return nil, negativeAmount("refund", "", amount)
	}

	r := &Refund{
		ID:       RefundID(NewID()),
		Charge:   charge,
		Datetime: s.clock.Now(),
		Amount:   amount,
		Comment:  comment,
	}
	charge.Refunds = append(charge.Refunds, r)
	s.pending.refunds = append(s.pending.refunds, r)
	return r, nil
}

// RefundFull refunds the charge's current effective amount.
func (s *Session) RefundFull(charge *Charge, comment string) (*Refund, error) {
	if charge == nil {
		return nil, &ArgumentError{Op: "create refund", Reason: "charge is required"}
	}
	return s.CreateRefund(charge, charge.EffectiveAmount(), comment)
}

// AmountAvailable is allocation.AmountAvailable, including uncommitted entries.
func (s *Session) AmountAvailable(allocation *Allocation) int64 {
	return allocation.AmountAvailable()
}

// EffectiveAmount is charge.EffectiveAmount, including uncommitted refunds.
func (s *Session) EffectiveAmount(charge *Charge) int64 {
	return charge.EffectiveAmount()
}

// =============================================================================
// COMMIT / ROLLBACK
// =============================================================================

// Changeset returns the pending entities, partitioned by kind.
func (s *Session) Changeset() *Changeset {
	holds := make([]*Hold, 0, len(s.pending.holds)+len(s.pending.released))
	holds = append(holds, s.pending.holds...)
	for _, h := range s.pending.released {
		if !slices.Contains(holds, h) {
			holds = append(holds, h)
		}
	}

	return &Changeset{
		Allocations: slices.Clone(s.pending.allocations),
		Holds:       holds,
		Charges:     slices.Clone(s.pending.charges),
		Refunds:     slices.Clone(s.pending.refunds),
	}
}

// Commit writes the pending changeset atomically. Validation failures
// return a *ValidationError; on any failure nothing is written and the
// changeset is discarded.
func (s *Session) Commit(ctx context.Context) error {
	if s.pending.empty() {
		return nil
	}

	cs := s.Changeset()
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := lockChangeset(ctx, tx, cs); err != nil {
			return err
		}
		if err := s.flush(ctx, tx); err != nil {
			return err
		}
		return Validate(ctx, tx, cs, s.validators)
	})
	if err != nil {
		s.discard()
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.logger.Warn("commit rejected",
				zap.String("rule", string(verr.Rule)),
				zap.String("kind", verr.Kind),
				zap.String("id", verr.ID),
				zap.Int64("value", verr.Value),
			)
		} else {
			s.logger.Error("commit failed", zap.Error(err))
		}
		return err
	}

	s.logger.Debug("commit",
		zap.Int("allocations", len(cs.Allocations)),
		zap.Int("holds", len(cs.Holds)),
		zap.Int("charges", len(cs.Charges)),
		zap.Int("refunds", len(cs.Refunds)),
	)
	s.pending = pending{}
	return nil
}

// Rollback discards the pending changeset without touching the store.
func (s *Session) Rollback() {
	s.discard()
}

func (s *Session) flush(ctx context.Context, tx Tx) error {
	p := &s.pending
	for _, v := range p.projects {
		if err := tx.PutProject(ctx, v); err != nil {
			return err
		}
	}
	for _, v := range p.resources {
		if err := tx.PutResource(ctx, v); err != nil {
			return err
		}
	}
	for _, v := range p.users {
		if err := tx.PutUser(ctx, v); err != nil {
			return err
		}
	}
	for _, v := range p.jobs {
		if err := tx.PutJob(ctx, v); err != nil {
			return err
		}
	}
	for _, a := range p.allocations {
		if err := tx.InsertAllocation(ctx, a); err != nil {
			return err
		}
	}
	for _, h := range p.holds {
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
	}
	for _, c := range p.charges {
		if err := tx.InsertCharge(ctx, c); err != nil {
			return err
		}
	}
	for _, r := range p.refunds {
		if err := tx.InsertRefund(ctx, r); err != nil {
			return err
		}
	}
	for _, h := range p.released {
		if err := tx.DeactivateHold(ctx, h.ID); err != nil {
			return err
		}
	}
	return nil
}

// discard undoes the in-memory effects of the pending changeset.
func (s *Session) discard() {
	p := &s.pending

	for _, r := range p.refunds {
		r.Charge.Refunds = slices.DeleteFunc(r.Charge.Refunds, func(x *Refund) bool { return x == r })
	}
	for _, c := range p.charges {
		c.Allocation.Charges = slices.DeleteFunc(c.Allocation.Charges, func(x *Charge) bool { return x == c })
	}
	for _, h := range p.holds {
		h.Allocation.Holds = slices.DeleteFunc(h.Allocation.Holds, func(x *Hold) bool { return x == h })
	}
	for _, h := range p.released {
		h.Active = true
	}
	for _, a := range p.allocations {
		delete(s.allocations, a.ID)
	}
	for _, v := range p.projects {
		delete(s.projects, v.Name)
	}
	for _, v := range p.resources {
		delete(s.resources, v.Name)
	}
	for _, v := range p.users {
		delete(s.users, v.Name)
	}
	for _, v := range p.jobs {
		delete(s.jobs, v.ID)
	}

	s.pending = pending{}
}
