package recoveryjournal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseSingleZone(t *testing.T) {
	var notified []int
	lc := New(4, 2, 2, func(i int) { notified = append(notified, i) })
	lc.Initialize(0, 1)

	lc.Acquire(0, Logical, 0)
	require.False(t, lc.Reclaimable(0))

	lc.Release(0, Logical, 0, true)
	require.True(t, lc.Reclaimable(0))
	require.Len(t, notified, 1)
	require.Equal(t, 0, notified[0])
}

func TestNotifiesOnlyWhenAllZoneTypesReachZero(t *testing.T) {
	var notified int
	lc := New(1, 2, 2, func(i int) { notified++ })
	lc.Initialize(0, 2)

	lc.Acquire(0, Logical, 0)
	lc.Acquire(0, Physical, 1)

	lc.Release(0, Logical, 0, true)
	require.Equal(t, 0, notified, "physical zone still holds a reference")

	lc.Release(0, Physical, 1, true)
	require.Equal(t, 1, notified)
}

func TestNotifyFiresAtMostOncePerEdge(t *testing.T) {
	var notified int
	lc := New(1, 1, 1, func(i int) { notified++ })
	lc.Initialize(0, 1)

	lc.Acquire(0, Logical, 0)
	lc.Release(0, Logical, 0, true)
	require.Equal(t, 1, notified)

	// A second acquire/release edge before acknowledgment must not
	// re-fire; acknowledging first allows the next edge to notify again.
	lc.Acquire(0, Logical, 0)
	lc.Release(0, Logical, 0, true)
	require.Equal(t, 1, notified, "notify must not re-fire before AcknowledgeUnlock")

	lc.AcknowledgeUnlock(0)
	lc.Acquire(0, Logical, 0)
	lc.Release(0, Logical, 0, true)
	require.Equal(t, 2, notified)
}

func TestCrossZoneReleaseUsesAtomicDecrement(t *testing.T) {
	lc := New(1, 1, 1, nil)
	lc.Initialize(0, 3)
	lc.Acquire(0, Logical, 0)

	lc.Release(0, Logical, 0, false)
	require.EqualValues(t, 2, lc.RealCount(0), "a cross-zone release is counted through the atomic decrement")

	lc.Acquire(0, Physical, 0)
	lc.Release(0, Physical, 0, true)
	require.EqualValues(t, 1, lc.RealCount(0))
}

func TestPerZoneUnderflowPanics(t *testing.T) {
	lc := New(1, 1, 1, nil)
	require.Panics(t, func() { lc.Release(0, Logical, 0, true) })
}
