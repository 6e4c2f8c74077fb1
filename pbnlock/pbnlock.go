// Package pbnlock implements the per-PBN exclusion locks owned by each
// physical zone (C6, §4.6). Because a pool is only ever touched by the
// single goroutine running its owning physical zone, it needs no internal
// synchronization of its own.
package pbnlock

import (
	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/zone"
)

// Type is the kind of exclusion a caller wants on a PBN.
type Type int

const (
	Read Type = iota
	Write
	CompressedWrite
	BlockMap
	UncompressedWrite
)

// compatible reports whether a lock already held with type `held` may also
// be held concurrently by a requester asking for `want`. Per §4.6: two
// READs are compatible, and READ+BLOCK_MAP is compatible; every other pair
// is exclusive.
func compatible(held, want Type) bool {
	if held == Read && want == Read {
		return true
	}
	if (held == Read && want == BlockMap) || (held == BlockMap && want == Read) {
		return true
	}
	return false
}

// waiter is a queued acquire request: the intrusive link plus the
// requested type and the continuation to run once granted.
type waiter struct {
	zone.Link
	want    Type
	granted func(*Lock)
}

// Lock is the per-PBN exclusion record.
type Lock struct {
	PBN                     block.PBN
	Type                    Type
	HolderCount             int
	HasProvisionalReference bool

	waiters zone.WaiterList
}

// Pool owns the PBN -> lock mapping for one physical zone.
type Pool struct {
	locks map[block.PBN]*Lock
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{locks: make(map[block.PBN]*Lock)}
}

// Acquire attempts to take a lock of type t on pbn. If the PBN is unlocked,
// a new Lock is installed with HolderCount 1 and granted is invoked
// synchronously. If a compatible lock is already held, the holder count is
// incremented and granted is invoked synchronously. Otherwise the request
// is queued and granted is invoked later, from Release, once it reaches
// the head of the FIFO and finds a now-compatible (or now-absent) lock.
func (p *Pool) Acquire(pbn block.PBN, t Type, granted func(*Lock)) {
	l, ok := p.locks[pbn]
	if !ok {
		l = &Lock{PBN: pbn, Type: t, HolderCount: 1}
		p.locks[pbn] = l
		granted(l)
		return
	}
	if compatible(l.Type, t) {
		l.HolderCount++
		granted(l)
		return
	}
	l.waiters.Enqueue(&waiter{want: t, granted: granted})
}

// Release drops one holder of pbn's lock. When the holder count reaches
// zero, the next waiter (if any) is granted the lock, becoming its new
// sole holder (FIFO order, matching the PBN lock's role in serializing
// allocation/refcount/write ordering for a single PBN, §5). If no waiters
// remain, the lock is removed from the pool.
//
// Only the FIFO head is woken per release, even when it and the waiter
// behind it both request compatible READ locks; the second READ waiter
// wakes on the first reader's own Release. This trades a little
// concurrency among readers for a materially simpler implementation and
// still preserves the spec's ordering guarantee.
func (p *Pool) Release(pbn block.PBN) {
	l, ok := p.locks[pbn]
	if !ok {
		return
	}
	l.HolderCount--
	if l.HolderCount > 0 {
		return
	}
	if w := l.waiters.Dequeue(); w != nil {
		wt := w.(*waiter)
		l.Type = wt.want
		l.HolderCount = 1
		l.HasProvisionalReference = false
		wt.granted(l)
		return
	}
	delete(p.locks, pbn)
}

// Lookup returns the current lock on pbn, if any, without acquiring it.
func (p *Pool) Lookup(pbn block.PBN) (*Lock, bool) {
	l, ok := p.locks[pbn]
	return l, ok
}
