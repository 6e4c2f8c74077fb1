package compress

import "sync/atomic"

// Phase is a data-VIO's position in the compression path
// (vio_compression_status, §4.7).
type Phase uint32

const (
	PreCompressor Phase = iota
	Compressing
	Packing
	PostPacker
)

const mayNotCompressBit = uint32(1) << 31

// Status is the atomically read/written compression-status word: a 2-bit
// phase plus a sticky may_not_compress flag, letting a cancellation racing
// in from another zone observe and act on the current phase without a
// lock (§4.7, §9).
type Status struct {
	v atomic.Uint32
}

// Load returns the current phase and sticky flag.
func (s *Status) Load() (Phase, bool) {
	raw := s.v.Load()
	return Phase(raw &^ mayNotCompressBit), raw&mayNotCompressBit != 0
}

// Advance attempts to move from `from` to `to`, preserving the sticky
// flag. It reports whether the CAS succeeded; callers use this to detect
// a concurrent cancellation that already moved the phase elsewhere.
func (s *Status) Advance(from, to Phase) bool {
	for {
		old := s.v.Load()
		if Phase(old&^mayNotCompressBit) != from {
			return false
		}
		next := uint32(to) | (old & mayNotCompressBit)
		if s.v.CompareAndSwap(old, next) {
			return true
		}
	}
}

// SetMayNotCompress sets the sticky bit that prevents the data-VIO from
// (re-)entering the compressor, used when a later concurrent dedup
// success cancels a pending compression.
func (s *Status) SetMayNotCompress() {
	for {
		old := s.v.Load()
		if old&mayNotCompressBit != 0 {
			return
		}
		if s.v.CompareAndSwap(old, old|mayNotCompressBit) {
			return
		}
	}
}

// MayCompress reports whether the sticky flag has not been set.
func (s *Status) MayCompress() bool {
	return s.v.Load()&mayNotCompressBit == 0
}
