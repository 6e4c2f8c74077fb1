// Package recoveryjournal implements the journal-zone lock counter that
// pins recovery-journal blocks until every metadata update recorded in
// them has become durable (C8, §4.8).
package recoveryjournal

import "sync/atomic"

// ZoneType distinguishes the two zone families that can hold a reference
// on a journal block besides the journal zone itself.
type ZoneType int

const (
	Logical ZoneType = iota
	Physical
)

// perType holds the atomics and per-zone counters for one zone family,
// for one journal block slot.
type perType struct {
	// zoneCount is the number of distinct zones of this type currently
	// holding any reference (not the number of references).
	zoneCount atomic.Int32
	// counters[zone] is that zone's own (non-atomic) reference count;
	// only the goroutine running `zone` ever touches its own slot.
	counters []int32
}

// slot is the lock-counter state for one in-flight journal block.
type slot struct {
	value     int32 // initialized count of metadata updates referencing this block
	decrement atomic.Int32
	logical   perType
	physical  perType
	notifying atomic.Bool
}

// LockCounter tracks, for each of a journal's N in-flight blocks, the
// references pinning it open.
type LockCounter struct {
	slots        []slot
	onNotify     func(journalBlock int)
	logicalZones int
	physicalZones int
}

// New creates a lock counter for n journal blocks, logicalZones logical
// zones, and physicalZones physical zones. onNotify is invoked at most
// once per release edge, when a journal block's lock reaches zero across
// every zone-type (§4.8 "attempt_notification").
func New(n, logicalZones, physicalZones int, onNotify func(journalBlock int)) *LockCounter {
	lc := &LockCounter{
		slots:         make([]slot, n),
		onNotify:      onNotify,
		logicalZones:  logicalZones,
		physicalZones: physicalZones,
	}
	for i := range lc.slots {
		lc.slots[i].logical.counters = make([]int32, logicalZones)
		lc.slots[i].physical.counters = make([]int32, physicalZones)
	}
	return lc
}

// Initialize sets journal block i's initial reference count to value, the
// count of metadata updates referencing it (§3).
func (lc *LockCounter) Initialize(i int, value int32) {
	lc.slots[i].value = value
	lc.slots[i].decrement.Store(0)
}

func (lc *LockCounter) typeOf(s *slot, zt ZoneType) *perType {
	if zt == Logical {
		return &s.logical
	}
	return &s.physical
}

// Acquire increments the per-zone counter for journal block i; if it was
// zero, it also atomically increments the per-zone-type zone counter
// (§4.8).
func (lc *LockCounter) Acquire(i int, zt ZoneType, zoneID int) {
	s := &lc.slots[i]
	pt := lc.typeOf(s, zt)
	was := pt.counters[zoneID]
	pt.counters[zoneID] = was + 1
	if was == 0 {
		pt.zoneCount.Add(1)
	}
}

// Release decrements the per-zone counter for journal block i. If it
// reaches zero, the zone-type zone counter is decremented; attemptNotification
// fires once Reclaimable holds (both zone-types' counters at zero and a real
// count of zero or less). zt and zoneID name the zone performing the
// release; sameZone indicates whether
// this release happens on the journal zone's own goroutine (direct value
// decrement) or from elsewhere (recorded via the atomic decrement
// counter per §3/§4.8).
func (lc *LockCounter) Release(i int, zt ZoneType, zoneID int, sameZone bool) {
	s := &lc.slots[i]
	pt := lc.typeOf(s, zt)
	pt.counters[zoneID]--
	if pt.counters[zoneID] < 0 {
		panic("recoveryjournal: per-zone lock count underflow")
	}
	if pt.counters[zoneID] == 0 {
		pt.zoneCount.Add(-1)
	}

	if sameZone {
		s.value--
	} else {
		s.decrement.Add(1)
	}

	// Reclaimable already requires both zone-types' zoneCount to be zero
	// alongside the real reference count; a single zone-type reaching
	// zero is not enough by itself (§4.8 invariant 4).
	if lc.Reclaimable(i) {
		lc.attemptNotification(i)
	}
}

// RealCount returns journal block i's authoritative reference count:
// journal_value[i] - journal_decrement[i] (§3).
func (lc *LockCounter) RealCount(i int) int32 {
	s := &lc.slots[i]
	return s.value - s.decrement.Load()
}

// Reclaimable reports whether journal block i's lock counter has reached
// zero in every zone-type, the precondition for reclaiming it (invariant
// 4, §8).
func (lc *LockCounter) Reclaimable(i int) bool {
	s := &lc.slots[i]
	return s.logical.zoneCount.Load() == 0 && s.physical.zoneCount.Load() == 0 && lc.RealCount(i) <= 0
}

// attemptNotification uses a single-slot atomic flag to ensure exactly one
// in-flight owner callback per release edge (§4.8, invariant: "a 'notify'
// completion fires at most once per release edge").
func (lc *LockCounter) attemptNotification(i int) {
	s := &lc.slots[i]
	if !s.notifying.CompareAndSwap(false, true) {
		return
	}
	if lc.onNotify != nil {
		lc.onNotify(i)
	}
}

// AcknowledgeUnlock clears the notifying flag for journal block i so the
// next release edge may notify again (§4.8).
func (lc *LockCounter) AcknowledgeUnlock(i int) {
	lc.slots[i].notifying.Store(false)
}
