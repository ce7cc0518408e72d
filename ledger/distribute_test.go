package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jan(day int) time.Time {
	return time.Date(2025, time.January, day, 0, 0, 0, 0, time.UTC)
}

func shareSum(shares []Share) int64 {
	var sum int64
	for _, s := range shares {
		sum += s.Amount
	}
	return sum
}

func TestDistribute_DrainsInOrder(t *testing.T) {
	// GIVEN: Two allocations of 600, in that order
	first, second := newAllocation(600), newAllocation(600)

	// WHEN: Distributing 900
	shares, err := Distribute([]*Allocation{first, second}, 900)
	require.NoError(t, err)

	// THEN: First is drained, second takes the rest
	require.Len(t, shares, 2)
	assert.Same(t, first, shares[0].Allocation)
	assert.Equal(t, int64(600), shares[0].Amount)
	assert.Same(t, second, shares[1].Allocation)
	assert.Equal(t, int64(300), shares[1].Amount)
}

func TestDistribute_FitsInFirst(t *testing.T) {
	first, second := newAllocation(600), newAllocation(600)

	shares, err := Distribute([]*Allocation{first, second}, 250)
	require.NoError(t, err)

	require.Len(t, shares, 1)
	assert.Same(t, first, shares[0].Allocation)
	assert.Equal(t, int64(250), shares[0].Amount)
}

func TestDistribute_SkipsExhaustedAllocations(t *testing.T) {
	// GIVEN: First allocation fully held, second overdrawn, third free
	exhausted := newAllocation(100)
	addHold(exhausted, 100)
	overdrawn := newAllocation(100)
	addCharge(overdrawn, 250)
	free := newAllocation(500)

	shares, err := Distribute([]*Allocation{exhausted, overdrawn, free}, 200)
	require.NoError(t, err)

	// THEN: Only the free allocation gets a share
	require.Len(t, shares, 1)
	assert.Same(t, free, shares[0].Allocation)
	assert.Equal(t, int64(200), shares[0].Amount)
}

func TestDistribute_ConservesAmountWithinCapacity(t *testing.T) {
	allocs := []*Allocation{newAllocation(100), newAllocation(250), newAllocation(75)}
	addHold(allocs[1], 50)

	var capacity int64
	for _, a := range allocs {
		capacity += a.AmountAvailable()
	}

	for amount := int64(1); amount <= capacity; amount += 17 {
		shares, err := Distribute(allocs, amount)
		require.NoError(t, err)
		assert.Equal(t, min(amount, capacity), shareSum(shares), "amount %d", amount)
	}
}

func TestDistribute_OverCapacity_LastAbsorbsRemainder(t *testing.T) {
	// GIVEN: 600 + 600 of capacity
	first, second := newAllocation(600), newAllocation(600)

	// WHEN: Distributing 1500
	shares, err := Distribute([]*Allocation{first, second}, 1500)
	require.NoError(t, err)

	// THEN: The full amount is assigned; the last allocation is overdrawn
	assert.Equal(t, int64(1500), shareSum(shares))
	require.Len(t, shares, 2)
	assert.Equal(t, int64(600), shares[0].Amount)
	assert.Equal(t, int64(900), shares[1].Amount)
}

func TestDistribute_OverCapacity_LastHadNoShare(t *testing.T) {
	// GIVEN: The last allocation has nothing available
	first := newAllocation(100)
	last := newAllocation(50)
	addCharge(last, 50)

	shares, err := Distribute([]*Allocation{first, last}, 130)
	require.NoError(t, err)

	// THEN: A remainder share is appended for the last allocation
	require.Len(t, shares, 2)
	assert.Same(t, first, shares[0].Allocation)
	assert.Equal(t, int64(100), shares[0].Amount)
	assert.Same(t, last, shares[1].Allocation)
	assert.Equal(t, int64(30), shares[1].Amount)
}

func TestDistribute_ZeroAmount(t *testing.T) {
	first, second := newAllocation(0), newAllocation(600)

	shares, err := Distribute([]*Allocation{first, second}, 0)
	require.NoError(t, err)

	require.Len(t, shares, 1)
	assert.Same(t, first, shares[0].Allocation)
	assert.Zero(t, shares[0].Amount)
}

func TestDistribute_Errors(t *testing.T) {
	_, err := Distribute(nil, 10)
	assert.True(t, IsArgument(err))

	_, err = Distribute([]*Allocation{newAllocation(10)}, -1)
	assert.True(t, IsArgument(err))
}
