package compress

import (
	"encoding/binary"

	"github.com/vdo-project/vdocore/vdoerr"
)

// FragmentExtent locates slot's compressed bytes within a packed block's
// payload, per the header format written by encodeBin.
func FragmentExtent(packed []byte, slot int) (offset, length int, err error) {
	if len(packed) < 1 {
		return 0, 0, vdoerr.New(vdoerr.InvalidFragment, "packed block too short for header")
	}
	n := int(packed[0])
	if slot < 0 || slot >= n {
		return 0, 0, vdoerr.New(vdoerr.InvalidFragment, "slot out of range for packed block")
	}
	headerSize := 1 + n*headerEntrySize
	if len(packed) < headerSize {
		return 0, 0, vdoerr.New(vdoerr.InvalidFragment, "packed block header truncated")
	}
	entryAt := 1 + slot*headerEntrySize
	off := int(binary.LittleEndian.Uint16(packed[entryAt:]))
	ln := int(binary.LittleEndian.Uint16(packed[entryAt+2:]))
	if off < headerSize || off+ln > len(packed) {
		return 0, 0, vdoerr.New(vdoerr.InvalidFragment, "fragment extent outside packed block bounds")
	}
	return off, ln, nil
}

// UnpackFragment fetches a packed PBN's slot and runs the inverse codec
// into scratch, returning the decompressed bytes (§4.7 "Read-side
// unpack"). scratch must have capacity >= block.Size.
func UnpackFragment(codec Codec, packed []byte, slot int, originalSize int, scratch []byte) ([]byte, error) {
	off, ln, err := FragmentExtent(packed, slot)
	if err != nil {
		return nil, err
	}
	dst := scratch[:originalSize]
	if err := codec.Decompress(dst, packed[off:off+ln], originalSize); err != nil {
		return nil, vdoerr.Wrap(vdoerr.InvalidFragment, err, "decompressing packed fragment")
	}
	return dst, nil
}
