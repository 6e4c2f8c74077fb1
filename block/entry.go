package block

import "github.com/vdo-project/vdocore/vdoerr"

// EntrySize is the on-disk and in-memory size of a packed block-map entry.
const EntrySize = 5

// pbnMask truncates a PBN to the 36-bit addressable physical space.
const pbnMask = (1 << 36) - 1

// PackEntry encodes a (pbn, state) pair into the five-byte block-map entry
// layout: the high nibble of byte 0 holds the upper 4 bits of the PBN, the
// low nibble holds the mapping state, and bytes 1..4 hold the low 32 bits
// of the PBN in little-endian order. The PBN is truncated silently to 36
// bits, per §4.10.
func PackEntry(pbn PBN, state MappingState) [EntrySize]byte {
	p := uint64(pbn) & pbnMask
	var out [EntrySize]byte
	out[0] = byte((p>>32)&0xF)<<4 | byte(state&0xF)
	out[1] = byte(p)
	out[2] = byte(p >> 8)
	out[3] = byte(p >> 16)
	out[4] = byte(p >> 24)
	return out
}

// UnpackEntry is the exact inverse of PackEntry.
func UnpackEntry(b [EntrySize]byte) (PBN, MappingState) {
	high := uint64(b[0]>>4) & 0xF
	low := uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24
	pbn := PBN(high<<32 | low)
	state := MappingState(b[0] & 0xF)
	return pbn, state
}

// PackLocation is a convenience wrapper around PackEntry for a Location.
func PackLocation(l Location) [EntrySize]byte {
	return PackEntry(l.PBN, l.State)
}

// UnpackLocation is a convenience wrapper around UnpackEntry for a Location.
func UnpackLocation(b [EntrySize]byte) Location {
	pbn, state := UnpackEntry(b)
	return Location{PBN: pbn, State: state}
}

// ValidateEntry checks the codec-level invariant from §4.10 that pbn == 0
// requires a non-compressed state. It checks nothing else: a non-unmapped,
// non-compressed state on pbn 0 is not rejected.
func ValidateEntry(l Location) error {
	if l.PBN == ZeroPBN && l.State.IsCompressed() {
		return vdoerr.New(vdoerr.InvalidFragment, "zero pbn cannot carry a compressed mapping state")
	}
	return nil
}
