package vclock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replicore/replicore/internal/vclock"
)

func TestFollowIsMonotonic(t *testing.T) {
	var v = vclock.New()
	v.Follow(5, 10)
	require.EqualValues(t, 10, v.Get(5))

	v.Follow(5, 3) // Stale update must not regress the clock.
	require.EqualValues(t, 10, v.Get(5))

	v.Follow(5, 11)
	require.EqualValues(t, 11, v.Get(5))
}

func TestGetUnknownReplicaIsZero(t *testing.T) {
	var v = vclock.New()
	require.EqualValues(t, 0, v.Get(7))
}

func TestCompare(t *testing.T) {
	var a = vclock.New()
	a.Follow(1, 5)
	a.Follow(2, 5)

	var b = a.Copy()
	require.Equal(t, vclock.Equal, a.Compare(b))

	b.Follow(2, 6)
	require.Equal(t, vclock.Less, a.Compare(b))
	require.Equal(t, vclock.Greater, b.Compare(a))

	var c = vclock.New()
	c.Follow(1, 6)
	c.Follow(2, 4)
	require.Equal(t, vclock.Incomparable, a.Compare(c))
}

func TestLessEqualGatesSyncToFollow(t *testing.T) {
	var subscribeAt = vclock.New()
	subscribeAt.Follow(3, 50)

	var local = vclock.New()
	local.Follow(3, 49)
	require.False(t, subscribeAt.LessEqual(local))

	local.Follow(3, 50)
	require.True(t, subscribeAt.LessEqual(local))
}

func TestCopyIsIndependent(t *testing.T) {
	var a = vclock.New()
	a.Follow(1, 1)
	var b = a.Copy()
	b.Follow(1, 2)
	require.EqualValues(t, 1, a.Get(1))
	require.EqualValues(t, 2, b.Get(1))
}

func TestFollowPanicsOnOutOfRangeReplica(t *testing.T) {
	var v = vclock.New()
	require.Panics(t, func() { v.Follow(0, 1) })
	require.Panics(t, func() { v.Follow(vclock.Max, 1) })
}
