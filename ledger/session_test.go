package ledger_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-ledger/ledger"
	"github.com/warp/allocation-ledger/ledger/store"
	"github.com/warp/allocation-ledger/upstream"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	now       = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	yearStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	yearEnd   = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
)

func newResolver() *upstream.Memory {
	return upstream.NewMemory(
		map[string]string{"grant-1": "p-001", "grant-2": "p-002"},
		map[string]string{"cluster": "r-001", "storage": "r-002"},
		map[string]string{"alice": "u-001", "bob": "u-002"},
	)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	resolver *upstream.Memory
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, ctx: context.Background(), store: store.NewMemory(), resolver: newResolver()}
}

func (f *fixture) session(opts ...ledger.Option) *ledger.Session {
	opts = append([]ledger.Option{ledger.WithClock(ledger.FixedClock(now))}, opts...)
	return ledger.NewSession(f.store, f.resolver, opts...)
}

// allocate commits a year-long allocation of grant-1/cluster.
func (f *fixture) allocate(amount int64) ledger.AllocationID {
	return f.allocateWindow(amount, yearStart, yearEnd)
}

func (f *fixture) allocateWindow(amount int64, start, end time.Time) ledger.AllocationID {
	s := f.session()
	project, resource := f.refs(s)
	a, err := s.CreateAllocation(project, resource, amount, start, end, "")
	require.NoError(f.t, err)
	require.NoError(f.t, s.Commit(f.ctx))
	return a.ID
}

func (f *fixture) refs(s *ledger.Session) (*ledger.Project, *ledger.Resource) {
	project, err := s.Project(f.ctx, "grant-1")
	require.NoError(f.t, err)
	resource, err := s.Resource(f.ctx, "cluster")
	require.NoError(f.t, err)
	return project, resource
}

// committed reloads an allocation straight from the store.
func (f *fixture) committed(id ledger.AllocationID) *ledger.Allocation {
	a, err := f.store.Allocation(f.ctx, id)
	require.NoError(f.t, err)
	return a
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestSession_CreateAllocation_Persists(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	project, resource := f.refs(s)

	a, err := s.CreateAllocation(project, resource, 1200, yearStart, yearEnd, "initial grant")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), s.AmountAvailable(a))
	assert.Equal(t, now, a.Datetime)

	require.NoError(t, s.Commit(f.ctx))

	stored := f.committed(a.ID)
	assert.Equal(t, int64(1200), stored.Amount)
	assert.Equal(t, "p-001", stored.Project.ID)
	assert.Equal(t, "grant-1", stored.Project.Name)
	assert.Equal(t, "r-001", stored.Resource.ID)
	assert.Equal(t, "initial grant", stored.Comment)
	assert.Equal(t, int64(1200), stored.AmountAvailable())
}

func TestSession_CreateAllocation_Arguments(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	project, resource := f.refs(s)

	_, err := s.CreateAllocation(project, resource, 10, yearEnd, yearStart, "")
	assert.True(t, ledger.IsArgument(err), "end before start")

	_, err = s.CreateAllocation(nil, resource, 10, yearStart, yearEnd, "")
	assert.True(t, ledger.IsArgument(err))

	_, err = s.CreateAllocation(project, resource, -1, yearStart, yearEnd, "")
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleAmountPositive, verr.Rule)
}

func TestSession_UnknownProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.session().Project(f.ctx, "no-such-grant")
	assert.True(t, ledger.IsNotFound(err))
}

func TestSession_IdentityMap(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(1200)

	s := f.session()
	a1, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	a2, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)

	project, resource := f.refs(s)
	list, err := s.Allocations(f.ctx, ledger.AllocationFilter{ProjectID: project.ID, ResourceID: resource.ID})
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	require.Len(t, list, 1)
	assert.Same(t, a1, list[0])
}

func TestSession_ActiveAllocations_SoonestExpiringFirst(t *testing.T) {
	// GIVEN: Allocations ending in December, September and one already expired
	f := newFixture(t)
	december := f.allocateWindow(100, yearStart, time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC))
	september := f.allocateWindow(100, yearStart, time.Date(2025, time.September, 30, 0, 0, 0, 0, time.UTC))
	f.allocateWindow(100, yearStart, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC))

	s := f.session()
	project, resource := f.refs(s)

	// WHEN: Listing active allocations
	active, err := s.ActiveAllocations(f.ctx, project, resource)
	require.NoError(t, err)

	// THEN: Expired is dropped; September comes before December
	require.Len(t, active, 2)
	assert.Equal(t, september, active[0].ID)
	assert.Equal(t, december, active[1].ID)
}

func TestSession_Allocations_IncludesPending(t *testing.T) {
	f := newFixture(t)
	f.allocate(100)

	s := f.session()
	project, resource := f.refs(s)
	pending, err := s.CreateAllocation(project, resource, 50, yearStart, yearEnd, "")
	require.NoError(t, err)

	all, err := s.Allocations(f.ctx, ledger.AllocationFilter{ProjectID: project.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Same(t, pending, all[1])
}

// =============================================================================
// HOLDS
// =============================================================================

func TestSession_HoldAndRelease(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(1200)

	// GIVEN: A committed hold of 300
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	h, err := s.CreateHold(a, 300, "job 42")
	require.NoError(t, err)
	assert.Equal(t, int64(900), s.AmountAvailable(a), "pending hold counts before commit")
	require.NoError(t, s.Commit(f.ctx))
	assert.Equal(t, int64(900), f.committed(id).AmountAvailable())

	// WHEN: The hold is released in a new session
	s2 := f.session()
	hold, err := s2.Hold(f.ctx, h.ID)
	require.NoError(t, err)
	require.NoError(t, s2.ReleaseHold(hold))
	require.NoError(t, s2.Commit(f.ctx))

	// THEN: Availability is restored and the hold row is inactive
	stored := f.committed(id)
	assert.Equal(t, int64(1200), stored.AmountAvailable())
	require.Len(t, stored.Holds, 1)
	assert.False(t, stored.Holds[0].Active)
}

func TestSession_ReleaseHold_Twice(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	a, err := s.Allocation(f.ctx, f.allocate(100))
	require.NoError(t, err)
	h, err := s.CreateHold(a, 10, "")
	require.NoError(t, err)

	require.NoError(t, s.ReleaseHold(h))
	err = s.ReleaseHold(h)
	assert.True(t, ledger.IsArgument(err))
}

func TestSession_OverHold_RejectedAtCommit(t *testing.T) {
	// GIVEN: Allocation of 1200 with a committed charge of 1000
	f := newFixture(t)
	id := f.allocate(1200)

	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	_, err = s.CreateCharge(a, 1000, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	// WHEN: A hold of 300 would push committed usage to 1300
	s2 := f.session()
	a2, err := s2.Allocation(f.ctx, id)
	require.NoError(t, err)
	_, err = s2.CreateHold(a2, 300, "")
	require.NoError(t, err, "constructors do not check capacity")
	err = s2.Commit(f.ctx)

	// THEN: Commit fails with hold-sufficiency and nothing was written
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleHoldSufficiency, verr.Rule)
	assert.Equal(t, string(id), verr.ID)
	assert.Equal(t, int64(1300), verr.Value)
	assert.Equal(t, int64(1200), verr.Limit)
	assert.True(t, errors.Is(err, ledger.ErrValidation))

	stored := f.committed(id)
	assert.Empty(t, stored.Holds)
	assert.Len(t, stored.Charges, 1)
	assert.Equal(t, int64(200), stored.AmountAvailable())

	// AND: The session discarded the hold in memory too
	assert.Empty(t, a2.Holds)
	assert.Equal(t, int64(200), s2.AmountAvailable(a2))
}

func TestSession_ConcurrentHolds_SecondCommitRejected(t *testing.T) {
	// GIVEN: Two sessions that both loaded an allocation of 100
	f := newFixture(t)
	id := f.allocate(100)

	s1, s2 := f.session(), f.session()
	a1, err := s1.Allocation(f.ctx, id)
	require.NoError(t, err)
	a2, err := s2.Allocation(f.ctx, id)
	require.NoError(t, err)

	// WHEN: Each holds 80 against its own view, and they commit in turn
	_, err = s1.CreateHold(a1, 80, "")
	require.NoError(t, err)
	_, err = s2.CreateHold(a2, 80, "")
	require.NoError(t, err)
	require.NoError(t, s1.Commit(f.ctx))
	err = s2.Commit(f.ctx)

	// THEN: The second commit sees the first hold in stored state
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleHoldSufficiency, verr.Rule)
	assert.Equal(t, int64(160), verr.Value)
	assert.Equal(t, int64(100), verr.Limit)

	stored := f.committed(id)
	require.Len(t, stored.Holds, 1)
	assert.Equal(t, int64(20), stored.AmountAvailable())
}

func TestSession_HugeHolds_DoNotWrap(t *testing.T) {
	// GIVEN: The largest possible allocation
	f := newFixture(t)
	id := f.allocate(math.MaxInt64)

	// WHEN: Two holds of the same size would sum past the int64 range
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	_, err = s.CreateHold(a, math.MaxInt64, "")
	require.NoError(t, err)
	_, err = s.CreateHold(a, math.MaxInt64, "")
	require.NoError(t, err)
	err = s.Commit(f.ctx)

	// THEN: The commit is rejected and nothing is held
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleHoldSufficiency, verr.Rule)
	assert.Equal(t, int64(math.MaxInt64), verr.Value)
	assert.Empty(t, f.committed(id).Holds)
}

func TestSession_HoldOnNewAllocation_SameCommit(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	project, resource := f.refs(s)

	a, err := s.CreateAllocation(project, resource, 100, yearStart, yearEnd, "")
	require.NoError(t, err)
	_, err = s.CreateHold(a, 150, "")
	require.NoError(t, err)

	err = s.Commit(f.ctx)
	assert.True(t, ledger.IsValidation(err))

	// Nothing from the rejected changeset is persisted.
	all, err := f.store.Allocations(f.ctx, ledger.AllocationFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = f.store.Project(f.ctx, "p-001")
	assert.True(t, ledger.IsNotFound(err))
}

func TestSession_ReleasedInSameCommit_DoesNotCount(t *testing.T) {
	// GIVEN: An allocation of 100 fully held
	f := newFixture(t)
	id := f.allocate(100)
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	old, err := s.CreateHold(a, 100, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	// WHEN: Releasing it and holding 100 again in one commit
	s2 := f.session()
	hold, err := s2.Hold(f.ctx, old.ID)
	require.NoError(t, err)
	require.NoError(t, s2.ReleaseHold(hold))
	_, err = s2.CreateHold(hold.Allocation, 100, "")
	require.NoError(t, err)

	// THEN: The released hold no longer counts
	require.NoError(t, s2.Commit(f.ctx))
	stored := f.committed(id)
	assert.Equal(t, int64(100), stored.ActiveHoldSum())
	assert.Zero(t, stored.AmountAvailable())
}

func TestSession_FailedCommit_RestoresReleasedHold(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(100)
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	h, err := s.CreateHold(a, 50, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	// Release one hold but over-hold in the same changeset.
	require.NoError(t, s.ReleaseHold(h))
	_, err = s.CreateHold(a, 150, "")
	require.NoError(t, err)
	require.Error(t, s.Commit(f.ctx))

	assert.True(t, h.Active)
	assert.Equal(t, []*ledger.Hold{h}, a.Holds)
	assert.True(t, f.committed(id).Holds[0].Active)
}

func TestSession_CreateHoldsDistributed(t *testing.T) {
	// GIVEN: Two allocations of 600
	f := newFixture(t)
	first := f.allocateWindow(600, yearStart, time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC))
	second := f.allocate(600)

	s := f.session()
	project, resource := f.refs(s)
	allocs, err := s.ActiveAllocations(f.ctx, project, resource)
	require.NoError(t, err)

	// WHEN: Holding 900
	holds, err := s.CreateHoldsDistributed(allocs, 900, "big job")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	// THEN: 600 from the sooner-expiring allocation, 300 from the other
	require.Len(t, holds, 2)
	assert.Equal(t, first, holds[0].Allocation.ID)
	assert.Equal(t, int64(600), holds[0].Amount)
	assert.Equal(t, second, holds[1].Allocation.ID)
	assert.Equal(t, int64(300), holds[1].Amount)
	assert.Zero(t, f.committed(first).AmountAvailable())
	assert.Equal(t, int64(300), f.committed(second).AmountAvailable())
}

func TestSession_CreateHoldsDistributed_OverCapacityRejected(t *testing.T) {
	f := newFixture(t)
	f.allocate(600)
	f.allocate(600)

	s := f.session()
	project, resource := f.refs(s)
	allocs, err := s.ActiveAllocations(f.ctx, project, resource)
	require.NoError(t, err)

	_, err = s.CreateHoldsDistributed(allocs, 1500, "")
	require.NoError(t, err)

	err = s.Commit(f.ctx)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleHoldSufficiency, verr.Rule)
}

func TestSession_ZeroHold(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(0)

	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	holds, err := s.CreateHoldsDistributed([]*ledger.Allocation{a}, 0, "free")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	require.Len(t, holds, 1)
	assert.Zero(t, holds[0].Amount)
	assert.Len(t, f.committed(id).Holds, 1)
}

// =============================================================================
// CHARGES AND REFUNDS
// =============================================================================

func TestSession_ChargeRefundScenarios(t *testing.T) {
	tests := []struct {
		name      string
		refund    int64 // -1 means full refund
		available int64
	}{
		{name: "full refund", refund: -1, available: 900},
		{name: "partial refund", refund: 400, available: 700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: Allocation 1200, Charge 600
			f := newFixture(t)
			id := f.allocate(1200)
			s := f.session()
			a, err := s.Allocation(f.ctx, id)
			require.NoError(t, err)
			c, err := s.CreateCharge(a, 600, "")
			require.NoError(t, err)
			require.NoError(t, s.Commit(f.ctx))

			// WHEN: Refunding, then charging 300
			if tt.refund < 0 {
				_, err = s.RefundFull(c, "")
			} else {
				_, err = s.CreateRefund(c, tt.refund, "")
			}
			require.NoError(t, err)
			_, err = s.CreateCharge(a, 300, "")
			require.NoError(t, err)
			require.NoError(t, s.Commit(f.ctx))

			// THEN
			assert.Equal(t, tt.available, s.AmountAvailable(a))
			assert.Equal(t, tt.available, f.committed(id).AmountAvailable())
		})
	}
}

func TestSession_RefundFull_ZeroesEffectiveAmount(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	a, err := s.Allocation(f.ctx, f.allocate(1000))
	require.NoError(t, err)
	c, err := s.CreateCharge(a, 250, "")
	require.NoError(t, err)
	_, err = s.CreateRefund(c, 50, "")
	require.NoError(t, err)

	r, err := s.RefundFull(c, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	assert.Equal(t, int64(200), r.Amount)
	assert.Zero(t, s.EffectiveAmount(c))
}

func TestSession_OverRefund_Rejected(t *testing.T) {
	// GIVEN: A committed charge of 100
	f := newFixture(t)
	id := f.allocate(1000)
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	c, err := s.CreateCharge(a, 100, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	// WHEN: Refunding 110
	_, err = s.CreateRefund(c, 110, "")
	require.NoError(t, err)
	err = s.Commit(f.ctx)

	// THEN: refund-sufficiency fails and the charge is still 100
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleRefundSufficiency, verr.Rule)
	assert.Equal(t, string(c.ID), verr.ID)
	assert.Equal(t, int64(100), s.EffectiveAmount(c))

	s2 := f.session()
	stored, err := s2.Charge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.EffectiveAmount())
	assert.Empty(t, stored.Refunds)
}

func TestSession_HugeRefunds_DoNotWrap(t *testing.T) {
	// GIVEN: A committed charge of 100
	f := newFixture(t)
	id := f.allocate(1000)
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	c, err := s.CreateCharge(a, 100, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	// WHEN: Two refunds of MaxInt64 are committed together
	_, err = s.CreateRefund(c, math.MaxInt64, "")
	require.NoError(t, err)
	_, err = s.CreateRefund(c, math.MaxInt64, "")
	require.NoError(t, err)
	err = s.Commit(f.ctx)

	// THEN: refund-sufficiency fails and the charge is untouched
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.RuleRefundSufficiency, verr.Rule)
	assert.Equal(t, int64(math.MinInt64), verr.Value)
	assert.Equal(t, int64(100), s.EffectiveAmount(c))
	assert.Equal(t, int64(900), f.committed(id).AmountAvailable())
}

func TestSession_ChargesMayOverdraw(t *testing.T) {
	// Charges record consumption that already happened; only holds are
	// checked against capacity.
	f := newFixture(t)
	id := f.allocate(100)
	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	_, err = s.CreateCharge(a, 150, "")
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	assert.Equal(t, int64(-50), f.committed(id).AmountAvailable())
}

func TestSession_NegativeAmounts_RejectedImmediately(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	a, err := s.Allocation(f.ctx, f.allocate(100))
	require.NoError(t, err)

	_, err = s.CreateHold(a, -1, "")
	assert.True(t, ledger.IsValidation(err))
	_, err = s.CreateCharge(a, -1, "")
	assert.True(t, ledger.IsValidation(err))

	c, err := s.CreateCharge(a, 10, "")
	require.NoError(t, err)
	_, err = s.CreateRefund(c, -1, "")
	assert.True(t, ledger.IsValidation(err))
}

// =============================================================================
// JOBS, USERS, VALIDATORS, ROLLBACK
// =============================================================================

func TestSession_EntryOptions_PersistJobAndUser(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(1000)

	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	user, err := s.User(f.ctx, "alice")
	require.NoError(t, err)
	job := &ledger.Job{ID: "4242.head", UserName: "alice", Queue: "batch"}

	_, err = s.CreateCharge(a, 60, "", ledger.WithJob(job), ledger.WithUser(user))
	require.NoError(t, err)
	require.NoError(t, s.Commit(f.ctx))

	stored := f.committed(id)
	require.Len(t, stored.Charges, 1)
	require.NotNil(t, stored.Charges[0].Job)
	assert.Equal(t, "4242.head", stored.Charges[0].Job.ID)
	assert.Equal(t, "batch", stored.Charges[0].Job.Queue)
	require.NotNil(t, stored.Charges[0].User)
	assert.Equal(t, "u-001", stored.Charges[0].User.ID)

	loaded, err := f.session().Job(f.ctx, "4242.head")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.UserName)
}

func TestSession_WithValidators_RunAfterBuiltins(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(1000)

	errTooBig := errors.New("charge above site limit")
	limit := ledger.Validator{
		Name: "site-limit",
		Check: func(_ context.Context, _ ledger.Reader, cs *ledger.Changeset) error {
			for _, c := range cs.Charges {
				if c.Amount > 500 {
					return errTooBig
				}
			}
			return nil
		},
	}

	s := f.session(ledger.WithValidators(limit))
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	_, err = s.CreateCharge(a, 600, "")
	require.NoError(t, err)

	err = s.Commit(f.ctx)
	assert.ErrorIs(t, err, errTooBig)
	assert.Empty(t, f.committed(id).Charges)
}

func TestSession_Rollback(t *testing.T) {
	f := newFixture(t)
	id := f.allocate(1000)

	s := f.session()
	a, err := s.Allocation(f.ctx, id)
	require.NoError(t, err)
	_, err = s.CreateHold(a, 100, "")
	require.NoError(t, err)

	s.Rollback()

	assert.Empty(t, a.Holds)
	require.NoError(t, s.Commit(f.ctx), "nothing left to commit")
	assert.Empty(t, f.committed(id).Holds)
}

func TestSession_Changeset(t *testing.T) {
	f := newFixture(t)
	s := f.session()
	a, err := s.Allocation(f.ctx, f.allocate(1000))
	require.NoError(t, err)

	h, err := s.CreateHold(a, 10, "")
	require.NoError(t, err)
	c, err := s.CreateCharge(a, 20, "")
	require.NoError(t, err)
	r, err := s.CreateRefund(c, 5, "")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseHold(h))

	cs := s.Changeset()
	assert.Empty(t, cs.Allocations)
	assert.Equal(t, []*ledger.Hold{h}, cs.Holds, "released pending hold listed once")
	assert.Equal(t, []*ledger.Charge{c}, cs.Charges)
	assert.Equal(t, []*ledger.Refund{r}, cs.Refunds)
	assert.False(t, cs.Empty())
}
