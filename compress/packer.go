package compress

import (
	"encoding/binary"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/vdoerr"
)

// MaxBins is the number of concurrently open staging bins (§4.7).
const MaxBins = block.MaxCompressedSlots

// headerEntrySize is the on-wire size of one (offset, length) pair in the
// packed-block header (§6 "Compressed block layout").
const headerEntrySize = 4

// Participant is one data-VIO's compressed fragment waiting to be packed.
// Done is invoked exactly once, either when the bin closes (slot, pbn,
// nil) or when the fragment is canceled/the bin is force-flushed empty
// (err set).
type Participant struct {
	Fragment []byte
	Status   *Status
	Done     func(slot int, pbn block.PBN, err error)

	bin   *bin
	index int
}

// bin is a staging area of capacity block.Size bytes.
type bin struct {
	used         int
	participants []*Participant
}

func newBin() *bin { return &bin{} }

func (b *bin) free() int { return block.Size - b.used }

// Allocator is the narrow collaborator the packer uses to get a PBN for a
// closing bin, implemented by the physical zone's slab allocator.
type Allocator interface {
	AllocateBlock() (block.PBN, error)
}

// Writer is the narrow collaborator the packer uses to persist a closed
// bin's concatenated fragment bytes.
type Writer interface {
	WriteBlock(pbn block.PBN, data []byte) error
}

// Packer bin-packs compressed fragments from the CPU zone into shared
// physical blocks (§4.7). It is owned by the single packer zone goroutine
// and must only be called from there.
type Packer struct {
	alloc Allocator
	write Writer
	bins  []*bin
}

// NewPacker builds a packer bound to the given allocator and writer
// collaborators.
func NewPacker(alloc Allocator, write Writer) *Packer {
	return &Packer{alloc: alloc, write: write}
}

// Add stages p's fragment into the best-fitting open bin, opening a new
// bin if none fits and fewer than MaxBins are open, or force-closing the
// fullest bin to make room otherwise. The bin is closed immediately if it
// becomes full (size or fragment count) as a side effect.
func (p *Packer) Add(part *Participant) error {
	size := len(part.Fragment)
	if size <= 0 || size > block.Size {
		return vdoerr.New(vdoerr.InvalidFragment, "fragment size out of packable range")
	}

	best := -1
	bestFree := block.Size + 1
	for i, b := range p.bins {
		if len(b.participants) >= block.MaxCompressedSlots {
			continue
		}
		if b.free() >= size && b.free() < bestFree {
			best, bestFree = i, b.free()
		}
	}

	if best == -1 {
		if len(p.bins) >= MaxBins {
			p.closeFullest()
		}
		b := newBin()
		p.bins = append(p.bins, b)
		best = len(p.bins) - 1
	}

	b := p.bins[best]
	part.bin = b
	part.index = len(b.participants)
	b.participants = append(b.participants, part)
	b.used += size

	if b.used >= block.Size || len(b.participants) >= block.MaxCompressedSlots {
		return p.close(best)
	}
	return nil
}

// closeFullest force-closes the bin with the least remaining free space,
// making room for a new bin when MaxBins are already open.
func (p *Packer) closeFullest() {
	if len(p.bins) == 0 {
		return
	}
	best, bestFree := 0, p.bins[0].free()
	for i, b := range p.bins[1:] {
		if b.free() < bestFree {
			best, bestFree = i+1, b.free()
		}
	}
	_ = p.close(best)
}

// close allocates one PBN, writes the concatenated fragments, assigns each
// participant a slot index, and invokes every participant's Done
// callback. The bin is then removed from the open set.
func (p *Packer) close(i int) error {
	b := p.bins[i]
	p.bins = append(p.bins[:i], p.bins[i+1:]...)

	if len(b.participants) == 0 {
		return nil
	}

	payload := encodeBin(b)
	pbn, err := p.alloc.AllocateBlock()
	if err != nil {
		for _, part := range b.participants {
			part.Done(0, 0, err)
		}
		return err
	}
	if err := p.write.WriteBlock(pbn, payload); err != nil {
		for _, part := range b.participants {
			part.Done(0, 0, err)
		}
		return err
	}
	for slot, part := range b.participants {
		part.Done(slot, pbn, nil)
	}
	return nil
}

// encodeBin lays out the packed-block header (one (offset,length) pair per
// fragment) followed by the concatenated fragment bytes, zero-padded to
// block.Size (§6).
func encodeBin(b *bin) []byte {
	n := len(b.participants)
	headerSize := 1 + n*headerEntrySize
	out := make([]byte, block.Size)
	out[0] = byte(n)
	offset := headerSize
	for i, part := range b.participants {
		binary.LittleEndian.PutUint16(out[1+i*headerEntrySize:], uint16(offset))
		binary.LittleEndian.PutUint16(out[1+i*headerEntrySize+2:], uint16(len(part.Fragment)))
		copy(out[offset:], part.Fragment)
		offset += len(part.Fragment)
	}
	return out
}

// Cancel removes part from its bin before the bin closes, used when a
// later concurrent dedup success makes the fragment unnecessary (§4.7).
// If the bin becomes empty, it is discarded. Cancel is a no-op if part has
// already been packed or canceled.
func (p *Packer) Cancel(part *Participant) {
	b := part.bin
	if b == nil {
		return
	}
	idx := part.index
	if idx < 0 || idx >= len(b.participants) || b.participants[idx] != part {
		return
	}
	b.used -= len(part.Fragment)
	b.participants = append(b.participants[:idx], b.participants[idx+1:]...)
	for i := idx; i < len(b.participants); i++ {
		b.participants[i].index = i
	}
	part.bin = nil
	part.Done(0, 0, vdoerr.New(vdoerr.Protocol, "fragment canceled"))

	if len(b.participants) == 0 {
		for i, other := range p.bins {
			if other == b {
				p.bins = append(p.bins[:i], p.bins[i+1:]...)
				break
			}
		}
	}
}

// Flush force-closes every open bin, bounding worst-case write latency to
// a finite value (§5, §8 "Packer flush timeout bounds worst-case write
// latency").
func (p *Packer) Flush() error {
	var first error
	for len(p.bins) > 0 {
		if err := p.close(0); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenBins reports how many bins currently have at least one participant,
// used by tests and the flush-timeout driver.
func (p *Packer) OpenBins() int { return len(p.bins) }
