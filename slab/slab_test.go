package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-project/vdocore/block"
)

func newRecoveredSlab(start block.PBN, dataBlocks uint64) *Slab {
	s := New(start, dataBlocks, 1, 1, nil)
	s.MarkRecovered()
	return s
}

func TestAllocateIncrementDecrementRoundTrip(t *testing.T) {
	s := newRecoveredSlab(100, 8)
	pbn, cursor, err := s.allocateProvisional(0)
	require.NoError(t, err)
	require.Equal(t, block.PBN(100), pbn)
	require.Equal(t, 1, cursor)

	rc, err := s.ReferenceCount(pbn)
	require.NoError(t, err)
	require.EqualValues(t, RefProvisional, rc)

	require.NoError(t, s.commitProvisional(pbn))
	rc, _ = s.ReferenceCount(pbn)
	require.EqualValues(t, RefMin, rc)

	require.NoError(t, s.Increment(pbn))
	rc, _ = s.ReferenceCount(pbn)
	require.EqualValues(t, 2, rc)

	require.NoError(t, s.Decrement(pbn))
	rc, _ = s.ReferenceCount(pbn)
	require.EqualValues(t, RefMin, rc)

	require.NoError(t, s.Decrement(pbn))
	rc, _ = s.ReferenceCount(pbn)
	require.EqualValues(t, RefFree, rc)
}

func TestSaturationIsSticky(t *testing.T) {
	s := newRecoveredSlab(0, 1)
	pbn, _, err := s.allocateProvisional(0)
	require.NoError(t, err)
	require.NoError(t, s.commitProvisional(pbn))
	for i := 0; i < RefMax+5; i++ {
		require.NoError(t, s.Increment(pbn))
	}
	rc, _ := s.ReferenceCount(pbn)
	require.EqualValues(t, RefSaturated, rc)

	// Saturated decrements are forbidden.
	require.Error(t, s.Decrement(pbn))
	rc, _ = s.ReferenceCount(pbn)
	require.EqualValues(t, RefSaturated, rc)
}

func TestDecrementUnderflowForbidden(t *testing.T) {
	s := newRecoveredSlab(0, 1)
	require.Error(t, s.Decrement(0))
}

func TestUnrecoveredSlabRejectsAllocation(t *testing.T) {
	s := New(0, 4, 1, 1, nil)
	_, _, err := s.allocateProvisional(0)
	require.Error(t, err)
}

func TestReleaseProvisionalReturnsToFreePool(t *testing.T) {
	s := newRecoveredSlab(0, 4)
	pbn, _, err := s.allocateProvisional(0)
	require.NoError(t, err)
	require.EqualValues(t, 3, s.FreeCount())
	require.NoError(t, s.releaseProvisional(pbn))
	require.EqualValues(t, 4, s.FreeCount())
}

func TestAllocatorRotatesOnExhaustion(t *testing.T) {
	s1 := newRecoveredSlab(0, 1)
	s2 := newRecoveredSlab(10, 1)
	alloc := NewBlockAllocator(0, []*Slab{s1, s2})

	seen := map[block.PBN]bool{}
	for i := 0; i < 2; i++ {
		pbn, lock, err := alloc.AllocateBlock()
		require.NoError(t, err)
		require.NotNil(t, lock)
		require.True(t, lock.HasProvisionalReference)
		seen[pbn] = true
	}
	require.Len(t, seen, 2)

	_, _, err := alloc.AllocateBlock()
	require.Error(t, err, "depot should be exhausted after both slabs are full")
}

func TestAllocatorCommitAndIncrement(t *testing.T) {
	s := newRecoveredSlab(0, 4)
	alloc := NewBlockAllocator(0, []*Slab{s})
	pbn, _, err := alloc.AllocateBlock()
	require.NoError(t, err)
	require.NoError(t, alloc.CommitProvisional(pbn))
	require.NoError(t, alloc.Increment(pbn))
	rc, err := alloc.ReferenceCount(pbn)
	require.NoError(t, err)
	require.EqualValues(t, 2, rc)
}

func TestDepotRoundRobinAssignment(t *testing.T) {
	slabs := []*Slab{
		newRecoveredSlab(0, 4),
		newRecoveredSlab(10, 4),
		newRecoveredSlab(20, 4),
		newRecoveredSlab(30, 4),
	}
	d := NewDepot(slabs, 2)
	require.Len(t, d.Allocators, 2)
	require.Equal(t, block.PBN(0), d.Allocators[0].slabs[0].Start)
	require.Equal(t, block.PBN(20), d.Allocators[0].slabs[1].Start)
	require.Equal(t, block.PBN(10), d.Allocators[1].slabs[0].Start)
}
