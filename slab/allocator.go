package slab

import (
	"sort"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/pbnlock"
	"github.com/vdo-project/vdocore/vdoerr"
)

// BlockAllocator owns one physical zone's slabs, search cursor, and PBN
// lock pool (§4.5, §4.6). It is zone-owned: only the goroutine running its
// physical zone ever calls its methods.
type BlockAllocator struct {
	ZoneID int
	Locks  *pbnlock.Pool

	slabs  []*Slab
	open   *Slab
	cursor int
}

// NewBlockAllocator creates an allocator over the given slabs, all
// belonging to the same physical zone, choosing the first recovered slab
// (by allocation priority) as the initially open slab.
func NewBlockAllocator(zoneID int, slabs []*Slab) *BlockAllocator {
	a := &BlockAllocator{ZoneID: zoneID, Locks: pbnlock.NewPool(), slabs: slabs}
	a.rotateOpenSlab()
	return a
}

// rotateOpenSlab picks the next slab to allocate from by priority: most
// free blocks first among recovered slabs. This resolves the Open Question
// the spec leaves on priority derivation — see DESIGN.md.
func (a *BlockAllocator) rotateOpenSlab() {
	best := -1
	bestFree := uint64(0)
	for i, s := range a.slabs {
		if !s.Recovered() {
			continue
		}
		if s.FreeCount() == 0 {
			continue
		}
		if best == -1 || s.FreeCount() > bestFree {
			best, bestFree = i, s.FreeCount()
		}
	}
	if best == -1 {
		a.open = nil
		return
	}
	a.open = a.slabs[best]
	a.cursor = 0
}

// AllocateBlock searches the current open slab sequentially from a cursor;
// on exhaustion it rotates to the next slab by priority (§4.5). A
// successful allocation takes a provisional reference and acquires a fresh
// PBN write lock for the caller, publishing both atomically from the
// allocator's point of view (there is no window where the PBN is
// provisionally referenced but unlocked).
func (a *BlockAllocator) AllocateBlock() (block.PBN, *pbnlock.Lock, error) {
	for attempts := 0; attempts < len(a.slabs)+1; attempts++ {
		if a.open == nil {
			return 0, nil, vdoerr.New(vdoerr.OutOfSpace, "slab depot exhausted")
		}
		pbn, next, err := a.open.allocateProvisional(a.cursor)
		if err != nil {
			a.rotateOpenSlab()
			continue
		}
		a.cursor = next
		var lock *pbnlock.Lock
		a.Locks.Acquire(pbn, pbnlock.UncompressedWrite, func(l *pbnlock.Lock) {
			l.HasProvisionalReference = true
			lock = l
		})
		return pbn, lock, nil
	}
	return 0, nil, vdoerr.New(vdoerr.OutOfSpace, "slab depot exhausted")
}

// slabFor finds the slab owning pbn.
func (a *BlockAllocator) slabFor(pbn block.PBN) (*Slab, error) {
	i := sort.Search(len(a.slabs), func(i int) bool { return a.slabs[i].Start > pbn })
	if i == 0 {
		return nil, vdoerr.New(vdoerr.OutOfRange, "pbn precedes all slabs")
	}
	s := a.slabs[i-1]
	if !s.Contains(pbn) {
		return nil, vdoerr.New(vdoerr.OutOfRange, "pbn not owned by any slab in this zone")
	}
	return s, nil
}

// CommitProvisional converts pbn's provisional reference into a real one
// on journal commit of its mapping.
func (a *BlockAllocator) CommitProvisional(pbn block.PBN) error {
	s, err := a.slabFor(pbn)
	if err != nil {
		return err
	}
	return s.commitProvisional(pbn)
}

// ReleaseProvisional returns pbn to the free pool because the owning
// data-VIO failed before committing.
func (a *BlockAllocator) ReleaseProvisional(pbn block.PBN) error {
	s, err := a.slabFor(pbn)
	if err != nil {
		return err
	}
	if err := s.releaseProvisional(pbn); err != nil {
		return err
	}
	if a.open == nil {
		a.rotateOpenSlab()
	}
	return nil
}

// Increment bumps pbn's reference count (a dedup share).
func (a *BlockAllocator) Increment(pbn block.PBN) error {
	s, err := a.slabFor(pbn)
	if err != nil {
		return err
	}
	return s.Increment(pbn)
}

// Decrement drops pbn's reference count (an overwrite or discard freeing
// the prior mapping).
func (a *BlockAllocator) Decrement(pbn block.PBN) error {
	s, err := a.slabFor(pbn)
	if err != nil {
		return err
	}
	err = s.Decrement(pbn)
	if err == nil && a.open == nil {
		a.rotateOpenSlab()
	}
	return err
}

// ReferenceCount returns pbn's current refcount byte.
func (a *BlockAllocator) ReferenceCount(pbn block.PBN) (byte, error) {
	s, err := a.slabFor(pbn)
	if err != nil {
		return 0, err
	}
	return s.ReferenceCount(pbn)
}
