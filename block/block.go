// Package block defines the fixed-size addressing primitives shared by
// every component of the data path: physical and logical block numbers,
// the four-bit mapping-state enum, and the on-disk block-map entry codec.
package block

import "fmt"

// Size is the fixed block size in bytes. It must be a power of two and at
// least 512, per the engine's data model. It is a var rather than a const
// so tests can exercise smaller blocks without recompiling, but production
// wiring always sets it once at startup before any zone is created.
var Size = 4096

// PBN is a physical block number. The addressable PBN space is 36 bits;
// values above that range are truncated silently by the entry codec.
type PBN uint64

// ZeroPBN is the reserved zero block. It is never allocated, never
// refcounted, and never appears in a compressed mapping (global invariant 5).
const ZeroPBN PBN = 0

// LBN is a logical block number, indexing the upstream logical address
// space exposed to the block-I/O client.
type LBN uint64

// MappingState is the four-bit enum recorded alongside a PBN in a
// block-map entry.
type MappingState uint8

const (
	// Unmapped means the LBN has no physical backing (never written, or
	// discarded back to the zero-block sentinel).
	Unmapped MappingState = 0
	// Uncompressed means the PBN is an independent physical block.
	Uncompressed MappingState = 1
	// CompressedBase is the first of fourteen compressed-slot states;
	// CompressedBase+i addresses slot i within a packed container block.
	CompressedBase MappingState = 2
	// MaxCompressedSlots is the number of fragment slots a packed block
	// can hold.
	MaxCompressedSlots = 14
)

// IsCompressed reports whether s addresses a slot inside a packed block.
func (s MappingState) IsCompressed() bool {
	return s >= CompressedBase && s < CompressedBase+MaxCompressedSlots
}

// Slot returns the fragment slot index for a compressed mapping state. The
// caller must have already checked IsCompressed.
func (s MappingState) Slot() int {
	return int(s - CompressedBase)
}

// CompressedState returns the mapping state for fragment slot i.
func CompressedState(i int) MappingState {
	if i < 0 || i >= MaxCompressedSlots {
		panic(fmt.Sprintf("block: slot %d out of range", i))
	}
	return CompressedBase + MappingState(i)
}

// Location pairs a PBN with the mapping state describing how it is used.
// It is the value type carried by a data-VIO's mapped/new_mapped/duplicate
// fields (§3).
type Location struct {
	PBN   PBN
	State MappingState
}

// Valid checks the data-model invariant binding state and pbn: the zero
// PBN must never carry a compressed state (global invariant 5).
func (l Location) Valid() bool {
	return !(l.PBN == ZeroPBN && l.State.IsCompressed())
}

// Fingerprint is the 128-bit content-addressed chunk name used by the
// dedup index and the hash lock. Any non-cryptographic 128-bit hash
// suffices per the spec; see the block/hash.go binding to murmur3.
type Fingerprint [2]uint64

// String renders the fingerprint as a fixed-width hex string, useful for
// log fields and map keys in tests.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x%016x", f[0], f[1])
}

// Operation is the kind of work a data-VIO performs.
type Operation uint8

const (
	OpRead Operation = iota
	OpWrite
	OpReadModifyWrite
)

// String implements fmt.Stringer for log output.
func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpReadModifyWrite:
		return "read-modify-write"
	default:
		return "unknown"
	}
}
