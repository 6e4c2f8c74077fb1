// Package engine wires every component (C1-C11) into the zoned write,
// read, and discard pipelines of §4.2 and §5: it owns the Zones and
// routes a DataVIO between them exactly as the phase table describes,
// using Zone.Enqueue as the only cross-zone interaction surface. Each
// phase method below runs on exactly one zone's goroutine and ends either
// by enqueuing the next phase onto another zone or by reporting the
// data-VIO's terminal result.
package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/vdo-project/vdocore/admission"
	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/blockmap"
	"github.com/vdo-project/vdocore/compress"
	"github.com/vdo-project/vdocore/datavio"
	"github.com/vdo-project/vdocore/dedupe"
	"github.com/vdo-project/vdocore/extentio"
	"github.com/vdo-project/vdocore/hashlock"
	"github.com/vdo-project/vdocore/recoveryjournal"
	"github.com/vdo-project/vdocore/slab"
	"github.com/vdo-project/vdocore/vdoerr"
	"github.com/vdo-project/vdocore/zone"
)

// Config parameterizes an Engine's zone counts and queue depths (§5).
type Config struct {
	LogicalZones  int
	PhysicalZones int
	HashZones     int
	QueueDepth    int
	PoolSize      int
	GeneralLimit  int64
	DiscardLimit  int64
	JournalBlocks int
	DebugGuard    bool

	// PackerFlushTimeout bounds worst-case write latency for a bin that
	// never reaches capacity (§5, §8 "Packer flush timeout bounds
	// worst-case write latency to a finite value"). Zero disables the
	// timer, leaving bins to close only on capacity — fine for tests
	// that never rely on an under-full bin completing.
	PackerFlushTimeout time.Duration
}

// Engine is the assembled core: one goroutine per zone, plus the
// collaborators each zone closure drives (§2's data-flow diagram).
type Engine struct {
	log *zap.Logger

	logical  []*zone.Zone
	physical []*zone.Zone
	hashZ    []*zone.Zone
	cpu      *zone.Zone
	packerZ  *zone.Zone
	journalZ *zone.Zone

	locks     []*datavio.LogicalLockTable
	pending   []map[*datavio.DataVIO]func()
	maps      []*blockmap.Map
	hashLocks []*hashlock.Zone
	depot     *slab.Depot
	packer    *compress.Packer
	journal   *recoveryjournal.LockCounter
	dedup     *dedupe.Adapter
	device    extentio.BlockDevice
	codec     compress.Codec
	readOnly  vdoerr.Latch

	admit *admission.Pool
	pool  *datavio.Pool

	flushStop chan struct{}
}

// New assembles an Engine. depot must already be built over the device's
// slabs with cfg.PhysicalZones allocators (slab.NewDepot); tree backs
// every logical zone's block map; index backs the dedup adapter.
func New(cfg Config, log *zap.Logger, depot *slab.Depot, tree blockmap.TreeIO, index dedupe.IndexClient, device extentio.BlockDevice, codec compress.Codec) (*Engine, error) {
	e := &Engine{log: log, depot: depot, device: device, codec: codec}

	e.admit = admission.NewPool(cfg.GeneralLimit, cfg.DiscardLimit)
	e.pool = datavio.NewPool(cfg.PoolSize, e.admit, cfg.DebugGuard)

	for i := 0; i < cfg.LogicalZones; i++ {
		e.logical = append(e.logical, zone.New(zone.ID{Kind: zone.KindLogical, Index: i}, cfg.QueueDepth, log))
		e.locks = append(e.locks, datavio.NewLogicalLockTable())
		e.pending = append(e.pending, make(map[*datavio.DataVIO]func()))
		m, err := blockmap.New(tree, 4096)
		if err != nil {
			return nil, err
		}
		e.maps = append(e.maps, m)
	}
	for i := 0; i < cfg.PhysicalZones; i++ {
		e.physical = append(e.physical, zone.New(zone.ID{Kind: zone.KindPhysical, Index: i}, cfg.QueueDepth, log))
	}
	for i := 0; i < cfg.HashZones; i++ {
		e.hashZ = append(e.hashZ, zone.New(zone.ID{Kind: zone.KindHash, Index: i}, cfg.QueueDepth, log))
		e.hashLocks = append(e.hashLocks, hashlock.NewZone())
	}
	e.cpu = zone.New(zone.ID{Kind: zone.KindCPU, Index: 0}, cfg.QueueDepth, log)
	e.packerZ = zone.New(zone.ID{Kind: zone.KindPacker, Index: 0}, cfg.QueueDepth, log)
	e.journalZ = zone.New(zone.ID{Kind: zone.KindJournal, Index: 0}, cfg.QueueDepth, log)

	var lc *recoveryjournal.LockCounter
	lc = recoveryjournal.New(cfg.JournalBlocks, cfg.LogicalZones, cfg.PhysicalZones, func(journalBlock int) {
		lc.AcknowledgeUnlock(journalBlock)
	})
	e.journal = lc
	e.dedup = dedupe.New(index, queryTimeout, postTimeout, log)

	// The packer allocates and writes container blocks through physical
	// zone 0's allocator; a multi-physical-zone packer would instead
	// round-robin container blocks across allocators. The spec doesn't
	// mandate a particular container-block zone assignment, so this is
	// left as a follow-up rather than modeled here.
	alloc0 := depot.Allocators[0]
	e.packer = compress.NewPacker(
		packerAllocator{a: alloc0, zone: e.physical[0]},
		packerWriter{dev: device, a: alloc0, zone: e.physical[0]},
	)

	if cfg.PackerFlushTimeout > 0 {
		e.flushStop = make(chan struct{})
		go e.runPackerFlushTimer(cfg.PackerFlushTimeout)
	}

	return e, nil
}

// runPackerFlushTimer enforces the packer flush timeout (§5, §8): a bin
// that never reaches capacity would otherwise hold its participants'
// Done callbacks open forever, so on every tick the packer zone is asked
// to force-close whatever bins are currently open. The packer is
// zone-owned, so the force-close itself is dispatched through
// packerZ.Enqueue rather than calling Flush directly from this goroutine.
func (e *Engine) runPackerFlushTimer(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.packerZ.Enqueue(func() { _ = e.packer.Flush() })
		case <-e.flushStop:
			return
		}
	}
}

// Close stops the packer flush timer. It does not drain the zones
// themselves — a full administrative drain is each Zone's own Drain
// method (§5), which callers invoke directly when they need one.
func (e *Engine) Close() {
	if e.flushStop != nil {
		close(e.flushStop)
	}
}

func (e *Engine) logicalZoneFor(lbn block.LBN) int  { return int(lbn) % len(e.logical) }
func (e *Engine) physicalZoneFor(lbn block.LBN) int { return int(lbn) % len(e.physical) }
func (e *Engine) hashZoneFor(name block.Fingerprint) int {
	idx := int(name[0]%uint64(len(e.hashZ)) + name[1]%uint64(len(e.hashZ)))
	return idx % len(e.hashZ)
}

// request bundles the per-call state a data-VIO's phase closures need
// beyond what DataVIO itself carries: which logical/hash zone it's
// pinned to and the channel its terminal result is reported on.
type request struct {
	d    *datavio.DataVIO
	lz   int
	hz   int
	done chan error
}

func (e *Engine) fail(r *request, err error) {
	r.d.Result = err
	r.done <- err
}

func (e *Engine) succeed(r *request) {
	r.d.Result = nil
	r.done <- nil
}

// packerAllocator adapts one physical zone's BlockAllocator to the
// packer's narrow Allocator collaborator contract (§4.7): the packer only
// needs a fresh PBN, not the PBN lock the data path otherwise serializes
// single-block writes through, since a packed container block is written
// once, in full, before any fragment mapping can reference it. The
// allocator itself is zone-owned (its cursor and pbnlock.Pool map are
// touched without synchronization, same as allocateAndWrite's direct
// calls), so every call here is dispatched onto the owning physical
// zone's goroutine via Enqueue and waited on synchronously rather than
// invoked straight from the packer zone's own goroutine.
type packerAllocator struct {
	a    *slab.BlockAllocator
	zone *zone.Zone
}

func (p packerAllocator) AllocateBlock() (block.PBN, error) {
	type result struct {
		pbn block.PBN
		err error
	}
	out := make(chan result, 1)
	p.zone.Enqueue(func() {
		pbn, _, err := p.a.AllocateBlock()
		out <- result{pbn, err}
	})
	r := <-out
	return r.pbn, r.err
}

// packerWriter adapts the backing device plus the allocator's commit step
// to the packer's Writer contract: once the concatenated fragments are
// durably written, the container block's provisional reference is
// committed and its PBN write lock released in the same step, since a
// freshly packed block has no other reader until its fragments' block-map
// entries are published. Like packerAllocator, every call is dispatched
// onto the owning physical zone rather than run on the packer zone's own
// goroutine.
type packerWriter struct {
	dev  extentio.BlockDevice
	a    *slab.BlockAllocator
	zone *zone.Zone
}

func (w packerWriter) WriteBlock(pbn block.PBN, data []byte) error {
	out := make(chan error, 1)
	w.zone.Enqueue(func() {
		if err := w.dev.WriteBlock(pbn, data, 0); err != nil {
			out <- err
			return
		}
		if err := w.a.CommitProvisional(pbn); err != nil {
			out <- err
			return
		}
		w.a.Locks.Release(pbn)
		out <- nil
	})
	return <-out
}

// hashHolder adapts a DataVIO into a hashlock.Holder: Adopt runs whatever
// continuation this participant needs once the fingerprint's dedup
// decision is known, whether it was the agent that made the decision or a
// waiter that queued behind it.
type hashHolder struct {
	zone.Link
	isAgent  bool
	dedupHit bool // agent only: true iff VerifyMatch found and confirmed an existing duplicate
	resume   func(loc block.Location)
}

func (h *hashHolder) Adopt(loc block.Location) { h.resume(loc) }

// queryTimeout and postTimeout bound the dedup adapter's advice round
// trips (§4.9); kept small since a hash zone's goroutine is blocked for
// their duration (see DESIGN.md on why the dedup query runs synchronously
// within the hash zone rather than via an async callback).
const (
	queryTimeout = 50 * time.Millisecond
	postTimeout  = 50 * time.Millisecond
)
