// Package datavio implements the per-request state machine (C2, §4.2):
// the DataVIO type carrying one logical block's worth of work through the
// write or read phase sequence, its fixed-size recycled pool, the
// per-LBN logical lock serializing concurrent writers, discard walking,
// and the read-modify-write overlay for partial I/O. The phase sequence
// itself — which zone runs which phase, and what each phase calls into
// block map, hash lock, packer, and the rest — is wired by the engine
// that owns the zones (§5); this package owns the request's data and the
// pieces of its lifecycle that don't require every collaborator at once.
package datavio

import (
	"context"

	"github.com/vdo-project/vdocore/admission"
	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/compress"
	"github.com/vdo-project/vdocore/zone"
)

// Phase is a data-VIO's current position in its operation's phase
// sequence (§4.2).
type Phase int

const (
	MapBio Phase = iota
	FindBlockMapSlot
	GetMappedBlock
	CheckZero
	Hash
	AcquireHashLock
	Dedupe
	Compress
	Pack
	Allocate
	WriteData
	AddJournalEntry
	UpdateBlockMap
	ReleaseHashLock
	ReadData
	Acknowledge
	Cleanup
)

func (p Phase) String() string {
	switch p {
	case MapBio:
		return "map_bio"
	case FindBlockMapSlot:
		return "find_block_map_slot"
	case GetMappedBlock:
		return "get_mapped_block"
	case CheckZero:
		return "check_zero"
	case Hash:
		return "hash"
	case AcquireHashLock:
		return "acquire_hash_lock"
	case Dedupe:
		return "dedupe"
	case Compress:
		return "compress"
	case Pack:
		return "pack"
	case Allocate:
		return "allocate"
	case WriteData:
		return "write_data"
	case AddJournalEntry:
		return "add_journal_entry"
	case UpdateBlockMap:
		return "update_block_map"
	case ReleaseHashLock:
		return "release_hash_lock"
	case ReadData:
		return "read_data"
	case Acknowledge:
		return "acknowledge"
	case Cleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// DataVIO is one logical block's worth of in-flight work (§3, §4.2). It is
// created on bio ingress, carried through its phase sequence by the
// engine's zone dispatch, and returned to its Pool at acknowledgment.
type DataVIO struct {
	zone.Link

	LBN         block.LBN
	Operation   block.Operation
	IsTrim      bool
	IsZeroBlock bool

	Mapped    block.Location
	NewMapped block.Location
	Duplicate block.Location

	IsDuplicate bool
	ChunkName   block.Fingerprint

	DataBlock       []byte // length block.Size; the canonical plaintext payload
	CompressedSize  int    // valid length of Fragment, or compress.IncompressibleSize()
	Fragment        []byte // compressed payload staged with the packer
	CompressStatus  *compress.Status

	AllocationPBN block.PBN

	LogicalZoneID  int
	PhysicalZoneID int
	HashZoneID     int

	Offset           int // byte offset within the block for partial I/O
	Length           int // byte length of the partial I/O region
	RemainingDiscard uint64
	FlushGeneration  uint64

	Phase  Phase
	Result error

	ticket *admission.Ticket
}

// reset clears a DataVIO back to its zero request state before it's handed
// out by Pool.Get, zeroing DataBlock's bytes rather than reallocating so
// the pool stays allocation-free on the steady-state path.
func (d *DataVIO) reset() {
	*d = DataVIO{DataBlock: d.DataBlock, Fragment: d.Fragment, CompressStatus: &compress.Status{}}
	for i := range d.DataBlock {
		d.DataBlock[i] = 0
	}
}

// Pool is the fixed-size, pre-allocated DataVIO pool gated by admission
// (C1, §4.1): Get blocks until both a slot and an admission permit are
// available, Put returns the slot and releases the permit.
type Pool struct {
	admit      *admission.Pool
	free       chan *DataVIO
	guardPages bool
}

// NewPool pre-allocates size DataVIOs, each with a block.Size scratch
// buffer, gated by admit.
func NewPool(size int, admit *admission.Pool, guardPages bool) *Pool {
	p := &Pool{admit: admit, free: make(chan *DataVIO, size), guardPages: guardPages}
	for i := 0; i < size; i++ {
		p.free <- &DataVIO{DataBlock: make([]byte, block.Size)}
	}
	return p
}

// Get admits the request (blocking per admission's cooperative backpressure
// rule) and returns a clean DataVIO bound to lbn/op.
func (p *Pool) Get(ctx context.Context, lbn block.LBN, op block.Operation, isDiscard bool) (*DataVIO, error) {
	ticket, err := p.admit.Admit(ctx, isDiscard)
	if err != nil {
		return nil, err
	}
	d := <-p.free
	d.reset()
	d.LBN = lbn
	d.Operation = op
	d.ticket = ticket
	return d, nil
}

// Put releases d's admission permits (LIFO, per §4.1) and returns it to the
// free pool, poisoning its buffer first when guardPages is enabled so a
// use-after-free shows up as a visibly wrong read rather than silently
// stale data (§4.1, §9; see DESIGN.md for why this substitutes for a real
// guard-page trap).
func (p *Pool) Put(d *DataVIO) {
	if p.guardPages {
		admission.Poison(d.DataBlock)
	}
	d.ticket.Release(p.admit)
	d.ticket = nil
	p.free <- d
}

// ReleaseDiscardEarly drops d's discard permit ahead of the rest of its
// ticket, used when a multi-block discard's tail block turns out to need
// a read-modify-write and so stops being purely discard-like (§4.1).
func (d *DataVIO) ReleaseDiscardEarly(admit *admission.Pool) {
	if d.ticket != nil {
		d.ticket.ReleaseDiscardEarly(admit)
	}
}
