// Package slab implements the unit of physical allocation (a slab: a
// contiguous PBN range of data blocks, reference-count blocks, and a
// slab-journal tail) together with the zoned block_allocator that hands
// out PBNs and maintains their reference counts (C5, §4.5).
package slab

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/vdoerr"
)

// Reference-count byte values, per §4.5.
const (
	RefFree        = 0
	RefMin         = 1
	RefMax         = 253
	RefProvisional = 254
	RefSaturated   = 255
)

// Status is the slab's scrubbing/recovery state (§3).
type Status int

const (
	Rebuilt Status = iota
	RequiresScrubbing
	HighPriorityScrubbing
	Rebuilding
	Replaying
)

// Journal is the narrow interface the slab depends on for its slab
// journal: the body (replay, tail management) is out of scope per §1; the
// core only needs to record deltas and ask whether it has replayed.
type Journal interface {
	// RecordDelta appends a reference-count delta for pbn to the slab
	// journal tail. It must be called, and succeed, before the in-memory
	// refcount byte is mutated for a recovered slab, and is the only
	// effect applied for an unrecovered one.
	RecordDelta(pbn block.PBN, delta int) error
}

// noopJournal is used when a caller has no journal body to wire in (e.g.
// tests exercising refcount math directly); it simply accepts every delta.
type noopJournal struct{}

func (noopJournal) RecordDelta(block.PBN, int) error { return nil }

// Slab is one contiguous allocation unit.
type Slab struct {
	Start, End                     block.PBN
	DataBlocks, RefBlocks, JBlocks uint64
	Status                         Status
	Priority                       int

	refCounts []byte        // one byte per data block, index 0 == Start
	free      *roaring.Bitmap // derived free-block index, rebuilt on recovery
	journal   Journal
}

// New builds a slab covering [start, start+dataBlocks+refBlocks+journalBlocks).
func New(start block.PBN, dataBlocks, refBlocks, journalBlocks uint64, journal Journal) *Slab {
	if journal == nil {
		journal = noopJournal{}
	}
	s := &Slab{
		Start:      start,
		End:        start + block.PBN(dataBlocks+refBlocks+journalBlocks),
		DataBlocks: dataBlocks,
		RefBlocks:  refBlocks,
		JBlocks:    journalBlocks,
		Status:     RequiresScrubbing,
		refCounts:  make([]byte, dataBlocks),
		journal:    journal,
	}
	s.rebuildFreeIndex()
	return s
}

// rebuildFreeIndex recomputes the free-block bitmap from the authoritative
// refcount bytes. Between rebuilds, every method that moves a block into
// or out of RefFree adds or removes it here; the bitmap is a derived
// index used purely to let the allocator's cursor skip known-full slabs
// without rescanning every refcount byte (§4.5 [ADD]).
func (s *Slab) rebuildFreeIndex() {
	s.free = roaring.New()
	for i, rc := range s.refCounts {
		if rc == RefFree {
			s.free.Add(uint32(i))
		}
	}
}

// MarkRecovered transitions the slab to Rebuilt after its journal has been
// replayed and its in-memory refcounts are authoritative (§4.5).
func (s *Slab) MarkRecovered() {
	s.Status = Rebuilt
	s.rebuildFreeIndex()
}

// Recovered reports whether the slab accepts allocations and in-memory
// refcount application. Unrecovered slabs reject allocations and defer
// decrements through the slab journal only (§4.5).
func (s *Slab) Recovered() bool { return s.Status == Rebuilt }

// FreeCount returns the number of free data blocks, used by the allocator
// to pick a rotation priority ("most free blocks first").
func (s *Slab) FreeCount() uint64 { return s.free.GetCardinality() }

func (s *Slab) indexOf(pbn block.PBN) (int, bool) {
	if pbn < s.Start || pbn >= s.Start+block.PBN(s.DataBlocks) {
		return 0, false
	}
	return int(pbn - s.Start), true
}

// allocateProvisional finds a free data block, marks it with the
// provisional refcount sentinel, and returns its PBN. It does not touch
// the slab journal: provisional references are not durable until journal
// commit converts them to real references (§4.5, §3 "Provisional
// reference").
func (s *Slab) allocateProvisional(cursor int) (block.PBN, int, error) {
	if !s.Recovered() {
		return 0, cursor, vdoerr.New(vdoerr.OutOfSpace, "slab not recovered, allocation rejected")
	}
	n := len(s.refCounts)
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		if s.refCounts[idx] == RefFree {
			s.refCounts[idx] = RefProvisional
			s.free.Remove(uint32(idx))
			return s.Start + block.PBN(idx), (idx + 1) % n, nil
		}
	}
	return 0, cursor, vdoerr.New(vdoerr.OutOfSpace, "slab exhausted")
}

// commitProvisional converts a provisional reference into a real one (the
// first live reference) on journal commit of the mapping.
func (s *Slab) commitProvisional(pbn block.PBN) error {
	idx, ok := s.indexOf(pbn)
	if !ok {
		return vdoerr.New(vdoerr.OutOfRange, "pbn not in this slab")
	}
	if s.refCounts[idx] != RefProvisional {
		return vdoerr.New(vdoerr.Protocol, "pbn has no provisional reference to commit")
	}
	if err := s.journal.RecordDelta(pbn, +1); err != nil {
		return err
	}
	s.refCounts[idx] = RefMin
	return nil
}

// releaseProvisional returns a provisionally-allocated PBN to the free
// pool, used when a data-VIO fails before committing its mapping.
func (s *Slab) releaseProvisional(pbn block.PBN) error {
	idx, ok := s.indexOf(pbn)
	if !ok {
		return vdoerr.New(vdoerr.OutOfRange, "pbn not in this slab")
	}
	if s.refCounts[idx] != RefProvisional {
		return vdoerr.New(vdoerr.Protocol, "pbn has no provisional reference to release")
	}
	s.refCounts[idx] = RefFree
	s.free.Add(uint32(idx))
	return nil
}

// Increment bumps pbn's reference count, latching at RefSaturated. A
// saturated count is sticky: once reached it is never decremented below
// saturated by further increments, and such a PBN is never deduped
// against further (invariant 4).
func (s *Slab) Increment(pbn block.PBN) error {
	idx, ok := s.indexOf(pbn)
	if !ok {
		return vdoerr.New(vdoerr.OutOfRange, "pbn not in this slab")
	}
	if !s.Recovered() {
		return s.journal.RecordDelta(pbn, +1)
	}
	if err := s.journal.RecordDelta(pbn, +1); err != nil {
		return err
	}
	rc := s.refCounts[idx]
	if rc == RefSaturated {
		return nil
	}
	if rc >= RefMax {
		s.refCounts[idx] = RefSaturated
		return nil
	}
	if rc == RefFree {
		s.free.Remove(uint32(idx))
		s.refCounts[idx] = RefMin
		return nil
	}
	s.refCounts[idx] = rc + 1
	return nil
}

// Decrement drops pbn's reference count by one. Decrementing a saturated
// (permanent) count is forbidden and decrementing past zero is forbidden
// (invariant 4/5).
func (s *Slab) Decrement(pbn block.PBN) error {
	idx, ok := s.indexOf(pbn)
	if !ok {
		return vdoerr.New(vdoerr.OutOfRange, "pbn not in this slab")
	}
	if !s.Recovered() {
		return s.journal.RecordDelta(pbn, -1)
	}
	if err := s.journal.RecordDelta(pbn, -1); err != nil {
		return err
	}
	rc := s.refCounts[idx]
	switch rc {
	case RefFree:
		return vdoerr.New(vdoerr.Protocol, "reference count underflow")
	case RefSaturated:
		return vdoerr.New(vdoerr.Protocol, "saturated reference count cannot be decremented")
	case RefMin:
		s.refCounts[idx] = RefFree
		s.free.Add(uint32(idx))
		return nil
	default:
		s.refCounts[idx] = rc - 1
		return nil
	}
}

// ReferenceCount returns the current refcount byte for pbn.
func (s *Slab) ReferenceCount(pbn block.PBN) (byte, error) {
	idx, ok := s.indexOf(pbn)
	if !ok {
		return 0, vdoerr.New(vdoerr.OutOfRange, "pbn not in this slab")
	}
	return s.refCounts[idx], nil
}

// Contains reports whether pbn falls within this slab's data area.
func (s *Slab) Contains(pbn block.PBN) bool {
	_, ok := s.indexOf(pbn)
	return ok
}
