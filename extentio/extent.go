package extentio

import (
	"github.com/vdo-project/vdocore/block"
)

// Extent is a batched metadata I/O helper: it composes k consecutive
// block buffers into a single vectored submission against a contiguous
// PBN range, issuing the sub-I/Os in order and completing once with the
// first non-success status; the sub-I/Os after a failed one are not
// issued (C11, §4.11).
type Extent struct {
	dev   BlockDevice
	Start block.PBN
	Bufs  [][]byte
}

// NewExtent builds an extent write/read helper over dev for bufs placed
// consecutively starting at start. Every buffer must have length
// block.Size.
func NewExtent(dev BlockDevice, start block.PBN, bufs [][]byte) *Extent {
	return &Extent{dev: dev, Start: start, Bufs: bufs}
}

// SubmitWrite writes every buffer to its block, in order, stopping at and
// returning the first failure (the "aggregating the first non-success
// status" completion behavior of §4.11). On the mmap-backed driver this
// is already synchronous; the batching contract here is about the single
// aggregated completion, not about overlapping the sub-I/Os.
func (e *Extent) SubmitWrite(flags Flag) error {
	for i, buf := range e.Bufs {
		if err := e.dev.WriteBlock(e.Start+block.PBN(i), buf, flags); err != nil {
			return err
		}
	}
	return nil
}

// SubmitRead reads every block into its buffer, stopping at and returning
// the first failure.
func (e *Extent) SubmitRead() error {
	for i, buf := range e.Bufs {
		if err := e.dev.ReadBlock(e.Start+block.PBN(i), buf); err != nil {
			return err
		}
	}
	return nil
}
