// Package extentio implements the block-device boundary (§6) and the
// batched extent I/O driver metadata components use to submit several
// consecutive blocks as one vectored operation (C11, §4.11).
package extentio

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/vdoerr"
)

// Flag is a per-request I/O flag from the upstream block-I/O boundary.
type Flag uint8

const (
	FlagSync Flag = 1 << iota
	FlagFUA
	FlagPreflush
)

// BlockDevice is the block-addressed I/O boundary the data path drives,
// both upstream (the engine's own logical surface, not modeled here
// directly) and downstream (the backing device). Implementations must be
// safe for concurrent calls from different physical zones addressing
// disjoint PBNs; callers serialize same-PBN access via pbnlock.
type BlockDevice interface {
	ReadBlock(pbn block.PBN, buf []byte) error
	WriteBlock(pbn block.PBN, buf []byte, flags Flag) error
	Flush() error
	Discard(start block.PBN, count uint64) error
	BlockSize() int
}

// Driver is an mmap-backed BlockDevice standing in for the device-mapper
// contract's backing store. It is used by tests and the bench CLI; a real
// deployment would instead bind BlockDevice to the host's block layer,
// which §1 places out of scope as a body.
type Driver struct {
	file *os.File
	data mmap.MMap
	lock *flock.Flock
	size int
}

// Open mmaps (or creates, truncated to capacityBlocks*block.Size) the
// backing file at path and takes an exclusive flock on a sibling lock
// file, standing in for the administrative device-open exclusivity that
// is out of scope for the core itself (§1) but which the driver still
// needs so two test fixtures never clobber the same backing file.
func Open(path string, capacityBlocks int64) (*Driver, error) {
	size := capacityBlocks * int64(block.Size)

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, vdoerr.Wrap(vdoerr.BackingIO, err, "acquiring backing-store flock")
	}
	if !locked {
		return nil, vdoerr.New(vdoerr.BackingIO, "backing store already locked by another driver")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = fl.Unlock()
		return nil, vdoerr.Wrap(vdoerr.BackingIO, err, "opening backing store")
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = fl.Unlock()
		return nil, vdoerr.Wrap(vdoerr.BackingIO, err, "sizing backing store")
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		_ = fl.Unlock()
		return nil, vdoerr.Wrap(vdoerr.BackingIO, err, "mmapping backing store")
	}
	return &Driver{file: f, data: m, lock: fl, size: int(size)}, nil
}

// Close unmaps and closes the backing file and releases the flock.
func (d *Driver) Close() error {
	if err := d.data.Unmap(); err != nil {
		return vdoerr.Wrap(vdoerr.BackingIO, err, "unmapping backing store")
	}
	if err := d.file.Close(); err != nil {
		return vdoerr.Wrap(vdoerr.BackingIO, err, "closing backing store")
	}
	return d.lock.Unlock()
}

func (d *Driver) offset(pbn block.PBN) (int, error) {
	off := int(pbn) * block.Size
	if off < 0 || off+block.Size > d.size {
		return 0, vdoerr.New(vdoerr.OutOfRange, "pbn beyond backing store capacity")
	}
	return off, nil
}

// ReadBlock copies one block's bytes into buf, which must have length
// block.Size.
func (d *Driver) ReadBlock(pbn block.PBN, buf []byte) error {
	off, err := d.offset(pbn)
	if err != nil {
		return err
	}
	copy(buf, d.data[off:off+block.Size])
	return nil
}

// WriteBlock writes buf (length block.Size) to pbn. FlagSync/FlagFUA force
// an immediate Flush; a plain write is only guaranteed durable after the
// next Flush, matching §5's acknowledgment ordering guarantee.
func (d *Driver) WriteBlock(pbn block.PBN, buf []byte, flags Flag) error {
	off, err := d.offset(pbn)
	if err != nil {
		return err
	}
	copy(d.data[off:off+block.Size], buf)
	if flags&(FlagSync|FlagFUA) != 0 {
		return d.Flush()
	}
	return nil
}

// Flush durably persists all prior writes.
func (d *Driver) Flush() error {
	if err := d.data.Flush(); err != nil {
		return vdoerr.Wrap(vdoerr.BackingIO, err, "flushing backing store")
	}
	return nil
}

// Discard zeroes count blocks starting at start.
func (d *Driver) Discard(start block.PBN, count uint64) error {
	for i := uint64(0); i < count; i++ {
		off, err := d.offset(start + block.PBN(i))
		if err != nil {
			return err
		}
		zero := d.data[off : off+block.Size]
		for j := range zero {
			zero[j] = 0
		}
	}
	return nil
}

// BlockSize returns the fixed block size this driver was opened with.
func (d *Driver) BlockSize() int { return block.Size }

// SectorSize is the external sector size in bytes. SectorsPerBlock gives
// the sector-addressing ratio from §6: block = sector / (B/512).
const SectorSize = 512

func SectorsPerBlock() int64 { return int64(block.Size / SectorSize) }

// BlockForSector converts an external sector offset to an internal block
// number, per §6.
func BlockForSector(sector int64) block.PBN {
	return block.PBN(sector / SectorsPerBlock())
}
