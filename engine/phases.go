package engine

import (
	"bytes"
	"context"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/compress"
	"github.com/vdo-project/vdocore/datavio"
	"github.com/vdo-project/vdocore/extentio"
	"github.com/vdo-project/vdocore/hashlock"
	"github.com/vdo-project/vdocore/pbnlock"
	"github.com/vdo-project/vdocore/recoveryjournal"
	"github.com/vdo-project/vdocore/slab"
	"github.com/vdo-project/vdocore/vdoerr"
)

// Write admits, drives, and acknowledges one full-block write (§4.2 write
// path). It blocks the caller until ACKNOWLEDGE, returning the data-VIO's
// final result. A production ingress path would instead return
// immediately and acknowledge via a bio completion callback; a
// synchronous call is what the bench CLI and the end-to-end tests need.
func (e *Engine) Write(ctx context.Context, lbn block.LBN, data []byte) error {
	if err := e.readOnly.CheckWrite(); err != nil {
		return err
	}
	d, err := e.pool.Get(ctx, lbn, block.OpWrite, false)
	if err != nil {
		return err
	}
	copy(d.DataBlock, data)

	r := &request{d: d, lz: e.logicalZoneFor(lbn), done: make(chan error, 1)}
	e.logical[r.lz].Enqueue(func() { e.mapBio(r) })

	select {
	case err := <-r.done:
		e.pool.Put(d)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read drives one full-block read (§4.2 read path) and returns the
// block's current bytes.
func (e *Engine) Read(ctx context.Context, lbn block.LBN) ([]byte, error) {
	d, err := e.pool.Get(ctx, lbn, block.OpRead, false)
	if err != nil {
		return nil, err
	}
	r := &request{d: d, lz: e.logicalZoneFor(lbn), done: make(chan error, 1)}
	e.logical[r.lz].Enqueue(func() { e.readFindSlot(r) })

	select {
	case err := <-r.done:
		out := make([]byte, len(d.DataBlock))
		copy(out, d.DataBlock)
		e.pool.Put(d)
		if err != nil {
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discard walks a multi-block discard via datavio.ContinueDiscard,
// unmapping each covered LBN in turn (§4.2 "Discard handling").
func (e *Engine) Discard(ctx context.Context, lbn block.LBN, blockCount uint64) error {
	if blockCount == 0 {
		return nil
	}
	d, err := e.pool.Get(ctx, lbn, block.OpWrite, true)
	if err != nil {
		return err
	}
	d.BeginDiscard(blockCount)

	for {
		r := &request{d: d, lz: e.logicalZoneFor(d.LBN), done: make(chan error, 1)}
		e.logical[r.lz].Enqueue(func() { e.discardOneBlock(r) })
		select {
		case err := <-r.done:
			if err != nil {
				e.pool.Put(d)
				return err
			}
		case <-ctx.Done():
			e.pool.Put(d)
			return ctx.Err()
		}
		if !d.ContinueDiscard() {
			break
		}
	}
	e.pool.Put(d)
	return nil
}

// --- write path ---

// mapBio is MAP_BIO (§4.2): the data-VIO's payload is already staged in
// d.DataBlock by Write; this phase just takes the per-LBN logical lock
// before any block-map work begins.
func (e *Engine) mapBio(r *request) {
	if !e.locks[r.lz].Acquire(r.d) {
		e.pending[r.lz][r.d] = func() { e.findBlockMapSlot(r) }
		return
	}
	e.findBlockMapSlot(r)
}

// findBlockMapSlot and getMappedBlock are collapsed into one phase: both
// are logical-zone-owned block-map operations, and this engine's
// blockmap.Map already combines slot lookup with entry retrieval (§4.4).
func (e *Engine) findBlockMapSlot(r *request) {
	r.d.Phase = datavio.FindBlockMapSlot
	loc, err := e.maps[r.lz].GetMapped(context.Background(), r.d.LBN)
	if err != nil {
		e.releaseLogicalLockAndFail(r, err)
		return
	}
	r.d.Phase = datavio.GetMappedBlock
	r.d.Mapped = loc
	e.cpu.Enqueue(func() { e.checkZero(r) })
}

// checkZero inspects the staged payload for all-zero content (§2 "Every
// incoming write is inspected for zero content"). A zero block never
// enters the hash/dedup/compress/allocate pipeline: it is recorded as an
// UNMAPPED block-map entry, releasing whatever PBN it used to map to,
// exactly like a single-block discard (global invariant 5).
func (e *Engine) checkZero(r *request) {
	r.d.Phase = datavio.CheckZero
	if !isZeroBlock(r.d.DataBlock) {
		e.hashPhase(r)
		return
	}
	r.d.IsZeroBlock = true
	r.d.NewMapped = block.Location{}
	e.addJournalEntry(r)
}

func isZeroBlock(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func (e *Engine) hashPhase(r *request) {
	r.d.Phase = datavio.Hash
	r.d.ChunkName = block.HashChunk(r.d.DataBlock)
	r.hz = e.hashZoneFor(r.d.ChunkName)
	e.hashZ[r.hz].Enqueue(func() { e.acquireHashLock(r) })
}

func (e *Engine) acquireHashLock(r *request) {
	r.d.Phase = datavio.AcquireHashLock
	h := &hashHolder{}
	h.resume = func(loc block.Location) { e.afterHashDecision(r, h, loc) }
	isAgent := e.hashLocks[r.hz].Acquire(r.d.ChunkName, h)
	if isAgent {
		h.isAgent = true
		e.runAgentQuery(r, h)
	}
}

func (e *Engine) runAgentQuery(r *request, h *hashHolder) {
	r.d.Phase = datavio.Dedupe
	l, _ := e.hashLocks[r.hz].Lookup(r.d.ChunkName)
	l.StartQuery()
	loc, found := e.dedup.Query(context.Background(), r.d.ChunkName)
	if found {
		l.AdviceFound(loc)
		e.verifyCandidate(r, h, l)
		return
	}
	l.NoAdvice()
	e.compressPhase(r, h, l)
}

// verifyCandidate hops to the candidate's physical zone to take a PBN
// read lock, read the block, and compare bytes (§4.3 LOCKING/VERIFYING).
func (e *Engine) verifyCandidate(r *request, h *hashHolder, l *hashlock.Lock) {
	candidate := l.Candidate
	alloc := e.depot.AllocatorFor(candidate.PBN)
	if alloc == nil {
		e.hashZ[r.hz].Enqueue(func() {
			l.VerifyMismatch()
			e.compressPhase(r, h, l)
		})
		return
	}
	e.physical[alloc.ZoneID].Enqueue(func() {
		alloc.Locks.Acquire(candidate.PBN, pbnlock.Read, func(*pbnlock.Lock) {})
		buf := make([]byte, len(r.d.DataBlock))
		match := false
		if err := e.device.ReadBlock(candidate.PBN, buf); err == nil {
			match = bytes.Equal(buf, r.d.DataBlock)
			if match {
				// A saturated PBN is never shared further; the write
				// falls back to a fresh allocation instead.
				if rc, err := alloc.ReferenceCount(candidate.PBN); err != nil || rc == slab.RefSaturated {
					match = false
				} else if err := alloc.Increment(candidate.PBN); err != nil {
					match = false
				}
			}
		}
		alloc.Locks.Release(candidate.PBN)
		e.hashZ[r.hz].Enqueue(func() {
			if match {
				h.dedupHit = true
				l.VerifyMatch()
				e.finishHashLock(r, l, candidate)
			} else {
				l.VerifyMismatch()
				e.compressPhase(r, h, l)
			}
		})
	})
}

func (e *Engine) compressPhase(r *request, h *hashHolder, l *hashlock.Lock) {
	r.d.Phase = datavio.Compress
	e.cpu.Enqueue(func() {
		scratch := make([]byte, len(r.d.DataBlock))
		n, ok := e.codec.Compress(scratch, r.d.DataBlock)
		if ok {
			r.d.Fragment = scratch[:n]
			r.d.CompressedSize = n
			e.packerZ.Enqueue(func() { e.packPhase(r, l) })
			return
		}
		r.d.CompressedSize = compress.IncompressibleSize()
		physIdx := e.physicalZoneFor(r.d.LBN)
		e.physical[physIdx].Enqueue(func() { e.allocateAndWrite(r, l, physIdx) })
	})
}

func (e *Engine) packPhase(r *request, l *hashlock.Lock) {
	r.d.Phase = datavio.Pack
	part := &compress.Participant{
		Fragment: r.d.Fragment,
		Status:   r.d.CompressStatus,
		Done: func(slot int, pbn block.PBN, err error) {
			if err != nil {
				e.hashZ[r.hz].Enqueue(func() { e.hashLockFailure(r, l, err) })
				return
			}
			loc := block.Location{PBN: pbn, State: block.CompressedState(slot)}
			publish := func() {
				e.hashZ[r.hz].Enqueue(func() {
					l.WriteComplete(loc)
					e.dedup.Post(context.Background(), r.d.ChunkName, loc)
					e.finishHashLock(r, l, loc)
				})
			}
			// The container's commit gave it one reference, which slot 0
			// takes; every further fragment takes its own on the
			// container's physical zone.
			alloc := e.depot.AllocatorFor(pbn)
			if slot == 0 || alloc == nil {
				publish()
				return
			}
			e.physical[alloc.ZoneID].Enqueue(func() {
				_ = alloc.Increment(pbn)
				publish()
			})
		},
	}
	if err := e.packer.Add(part); err != nil {
		e.hashLockFailure(r, l, err)
	}
}

func (e *Engine) allocateAndWrite(r *request, l *hashlock.Lock, physIdx int) {
	r.d.Phase = datavio.Allocate
	alloc := e.depot.Allocators[physIdx]
	pbn, _, err := alloc.AllocateBlock()
	if err != nil {
		e.hashZ[r.hz].Enqueue(func() { e.hashLockFailure(r, l, err) })
		return
	}
	r.d.AllocationPBN = pbn
	r.d.Phase = datavio.WriteData
	if err := e.device.WriteBlock(pbn, r.d.DataBlock, extentio.FlagFUA); err != nil {
		_ = alloc.ReleaseProvisional(pbn)
		alloc.Locks.Release(pbn)
		e.hashZ[r.hz].Enqueue(func() { e.hashLockFailure(r, l, err) })
		return
	}
	if err := alloc.CommitProvisional(pbn); err != nil {
		e.hashZ[r.hz].Enqueue(func() { e.hashLockFailure(r, l, err) })
		return
	}
	alloc.Locks.Release(pbn)
	loc := block.Location{PBN: pbn, State: block.Uncompressed}
	e.hashZ[r.hz].Enqueue(func() {
		l.WriteComplete(loc)
		e.dedup.Post(context.Background(), r.d.ChunkName, loc)
		e.finishHashLock(r, l, loc)
	})
}

func (e *Engine) hashLockFailure(r *request, l *hashlock.Lock, err error) {
	l.VerifyMismatch() // returns the lock to a terminal, re-enterable state for Finish
	e.finishHashLockWithErr(r, l, err)
}

// finishHashLock distributes the decided location to the agent and every
// waiter via hashlock.Zone.Finish, which invokes each participant's
// hashHolder.Adopt — including this request's own, driving it into
// ADD_JOURNAL_ENTRY (§4.3 UPDATING -> UNLOCKING -> DESTROYING).
func (e *Engine) finishHashLock(r *request, l *hashlock.Lock, _ block.Location) {
	e.hashLocks[r.hz].Finish(l)
}

func (e *Engine) finishHashLockWithErr(r *request, l *hashlock.Lock, err error) {
	r.d.Result = err
	e.hashLocks[r.hz].Finish(l)
}

// afterHashDecision is every participant's (agent's and each waiter's)
// continuation once AcquireHashLock resolves to a decided location. A
// waiter that wasn't the agent still needs its own reference share on the
// decided PBN (§4.3 "share to all waiters"); the agent's share was already
// taken in VerifyMatch or WriteComplete's commit.
func (e *Engine) afterHashDecision(r *request, h *hashHolder, loc block.Location) {
	if r.d.Result != nil {
		e.releaseLogicalLockAndFail(r, r.d.Result)
		return
	}
	r.d.NewMapped = loc
	// A waiter never performs its own allocate/write; whatever location it
	// adopts, it is sharing someone else's block. The agent is only a
	// dedup hit when VerifyMatch actually confirmed a match (§4.3).
	r.d.IsDuplicate = !h.isAgent || h.dedupHit
	if h.isAgent {
		e.addJournalEntry(r)
		return
	}
	alloc := e.depot.AllocatorFor(loc.PBN)
	if alloc == nil {
		e.releaseLogicalLockAndFail(r, vdoerr.New(vdoerr.OutOfRange, "decided pbn owned by no allocator"))
		return
	}
	e.physical[alloc.ZoneID].Enqueue(func() {
		_ = alloc.Increment(loc.PBN)
		e.addJournalEntry(r)
	})
}

// addJournalEntry acquires the journal-block hold on r.lz's own goroutine:
// recoveryjournal.LockCounter's per-zone counters are documented as only
// ever touched by the goroutine running that zone (§4.8), so the Acquire
// call is dispatched through e.logical[r.lz] rather than run on whatever
// zone afterHashDecision/checkZero happened to be called from.
func (e *Engine) addJournalEntry(r *request) {
	r.d.Phase = datavio.AddJournalEntry
	const journalBlock = 0
	e.logical[r.lz].Enqueue(func() {
		e.journal.Acquire(journalBlock, recoveryjournal.Logical, r.lz)
		e.journalZ.Enqueue(func() { e.updateBlockMap(r, journalBlock) })
	})
}

func (e *Engine) updateBlockMap(r *request, journalBlock int) {
	r.d.Phase = datavio.UpdateBlockMap
	e.logical[r.lz].Enqueue(func() {
		err := e.maps[r.lz].PutMapped(context.Background(), r.d.LBN, r.d.NewMapped, func() {
			e.journal.Release(journalBlock, recoveryjournal.Logical, r.lz, false)
		})
		if err != nil {
			e.releaseLogicalLockAndFail(r, err)
			return
		}
		if r.d.Mapped.PBN != block.ZeroPBN && r.d.Mapped.Valid() {
			if alloc := e.depot.AllocatorFor(r.d.Mapped.PBN); alloc != nil {
				// The allocator belongs to its physical zone: decrement
				// there, then release the logical lock back on r.lz.
				prior := r.d.Mapped.PBN
				e.physical[alloc.ZoneID].Enqueue(func() {
					_ = alloc.Decrement(prior)
					e.logical[r.lz].Enqueue(func() { e.releaseLogicalLockAndSucceed(r) })
				})
				return
			}
		}
		e.releaseLogicalLockAndSucceed(r)
	})
}

func (e *Engine) releaseLogicalLockAndSucceed(r *request) {
	e.releaseLogicalLock(r)
	e.succeed(r)
}

func (e *Engine) releaseLogicalLockAndFail(r *request, err error) {
	e.releaseLogicalLock(r)
	e.fail(r, err)
}

// releaseLogicalLock drops r.d's hold on its LBN and, if a waiter was
// queued behind it, resumes that waiter's stashed continuation (§4.4).
func (e *Engine) releaseLogicalLock(r *request) {
	next := e.locks[r.lz].Release(r.d)
	if next == nil {
		return
	}
	resume, ok := e.pending[r.lz][next]
	if !ok {
		return
	}
	delete(e.pending[r.lz], next)
	resume()
}

// --- read path ---

func (e *Engine) readFindSlot(r *request) {
	if !e.locks[r.lz].Acquire(r.d) {
		e.pending[r.lz][r.d] = func() { e.readGetMapped(r) }
		return
	}
	e.readGetMapped(r)
}

func (e *Engine) readGetMapped(r *request) {
	r.d.Phase = datavio.GetMappedBlock
	loc, err := e.maps[r.lz].GetMapped(context.Background(), r.d.LBN)
	if err != nil {
		e.releaseLogicalLockAndFail(r, err)
		return
	}
	r.d.Mapped = loc
	if loc.PBN == block.ZeroPBN && !loc.State.IsCompressed() {
		// never-written / discarded LBN reads as the zero block.
		for i := range r.d.DataBlock {
			r.d.DataBlock[i] = 0
		}
		e.releaseLogicalLockAndSucceed(r)
		return
	}
	alloc := e.depot.AllocatorFor(loc.PBN)
	if alloc == nil {
		e.releaseLogicalLockAndFail(r, vdoerr.New(vdoerr.OutOfRange, "mapped pbn owned by no allocator"))
		return
	}
	e.physical[alloc.ZoneID].Enqueue(func() { e.readData(r, loc, alloc) })
}

func (e *Engine) readData(r *request, loc block.Location, alloc *slab.BlockAllocator) {
	r.d.Phase = datavio.ReadData
	buf := make([]byte, len(r.d.DataBlock))
	if err := e.device.ReadBlock(loc.PBN, buf); err != nil {
		e.releaseLogicalLockAndFail(r, err)
		return
	}
	if !loc.State.IsCompressed() {
		copy(r.d.DataBlock, buf)
		e.releaseLogicalLockAndSucceed(r)
		return
	}
	e.cpu.Enqueue(func() {
		frag, err := compress.UnpackFragment(e.codec, buf, loc.State.Slot(), len(r.d.DataBlock), make([]byte, len(r.d.DataBlock)))
		if err != nil {
			e.releaseLogicalLockAndFail(r, err)
			return
		}
		copy(r.d.DataBlock, frag)
		e.releaseLogicalLockAndSucceed(r)
	})
}

// --- discard path ---

func (e *Engine) discardOneBlock(r *request) {
	if !e.locks[r.lz].Acquire(r.d) {
		e.pending[r.lz][r.d] = func() { e.discardGetMapped(r) }
		return
	}
	e.discardGetMapped(r)
}

func (e *Engine) discardGetMapped(r *request) {
	loc, err := e.maps[r.lz].GetMapped(context.Background(), r.d.LBN)
	if err != nil {
		e.releaseLogicalLockAndFail(r, err)
		return
	}
	if loc.PBN == block.ZeroPBN && !loc.State.IsCompressed() {
		e.releaseLogicalLockAndSucceed(r)
		return
	}
	const journalBlock = 0
	e.journal.Acquire(journalBlock, recoveryjournal.Logical, r.lz)
	err = e.maps[r.lz].PutMapped(context.Background(), r.d.LBN, block.Location{}, func() {
		e.journal.Release(journalBlock, recoveryjournal.Logical, r.lz, false)
	})
	if err != nil {
		e.releaseLogicalLockAndFail(r, err)
		return
	}
	if alloc := e.depot.AllocatorFor(loc.PBN); alloc != nil {
		physIdx := alloc.ZoneID
		e.physical[physIdx].Enqueue(func() {
			_ = alloc.Decrement(loc.PBN)
			e.releaseLogicalLockAndSucceed(r)
		})
		return
	}
	e.releaseLogicalLockAndSucceed(r)
}
