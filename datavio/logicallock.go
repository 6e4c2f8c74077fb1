package datavio

import (
	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/zone"
)

// logicalLock is the per-LBN exclusion record: only one data-VIO may be
// in flight against a given LBN at a time (§4.4 "concurrent writers to
// the same LBN are serialized by the data-VIO state machine"). It is
// zone-owned, like pbnlock and the hash lock, so it needs no internal
// synchronization.
type logicalLock struct {
	lbn     block.LBN
	holder  *DataVIO
	waiters zone.WaiterList
}

// LogicalLockTable owns the LBN -> logicalLock map for one logical zone.
type LogicalLockTable struct {
	locks map[block.LBN]*logicalLock
}

// NewLogicalLockTable creates an empty table.
func NewLogicalLockTable() *LogicalLockTable {
	return &LogicalLockTable{locks: make(map[block.LBN]*logicalLock)}
}

// Acquire attempts to take d's LBN's logical lock. If free, d becomes the
// holder and acquired is true; otherwise d is queued and will be granted
// the lock later, from Release, when it reaches the head of the FIFO.
func (t *LogicalLockTable) Acquire(d *DataVIO) (acquired bool) {
	l, ok := t.locks[d.LBN]
	if !ok {
		t.locks[d.LBN] = &logicalLock{lbn: d.LBN, holder: d}
		return true
	}
	l.waiters.Enqueue(d)
	return false
}

// Release drops d's hold on its LBN's logical lock, granting it to the
// next waiter (if any) or removing the lock entirely. It returns the
// newly granted data-VIO, or nil if the lock was removed or d never held
// it.
func (t *LogicalLockTable) Release(d *DataVIO) *DataVIO {
	l, ok := t.locks[d.LBN]
	if !ok || l.holder != d {
		return nil
	}
	if w := l.waiters.Dequeue(); w != nil {
		next := w.(*DataVIO)
		l.holder = next
		return next
	}
	delete(t.locks, d.LBN)
	return nil
}
