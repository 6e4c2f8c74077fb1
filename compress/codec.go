// Package compress implements the CPU-zone compressor and the packer-zone
// bin-packing of compressed fragments into shared physical blocks (C7,
// §4.7).
package compress

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/vdo-project/vdocore/block"
)

// IncompressibleSize is the sentinel size recorded when a block did not
// compress smaller than the block, per §4.7: "or the sentinel B+1 meaning
// incompressible."
func IncompressibleSize() int { return block.Size + 1 }

// Codec is the pluggable LZ-family compressor binding. Any codec whose
// bound output never exceeds block.Size suffices per §1's compression
// primitive allowance.
type Codec interface {
	// Compress writes the compressed form of src into a caller-owned
	// scratch buffer of capacity block.Size and returns its length, or
	// reports ok=false if the result would not fit (incompressible).
	Compress(scratch, src []byte) (n int, ok bool)
	// Decompress inflates src (a compressed fragment of the given
	// original size) into dst, which must have capacity >= originalSize.
	Decompress(dst, src []byte, originalSize int) error
	Name() string
}

// ZstdCodec binds github.com/klauspost/compress/zstd as the default
// LZ-family compressor.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a codec using the fastest zstd level: compression
// ratio matters less than the packer's bin-fit math staying cheap on the
// CPU zone, so SpeedFastest keeps per-block compression cost low.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Compress(scratch, src []byte) (int, bool) {
	out := c.enc.EncodeAll(src, scratch[:0])
	if len(out) >= len(src) || len(out) > cap(scratch) {
		return 0, false
	}
	return len(out), true
}

func (c *ZstdCodec) Decompress(dst, src []byte, originalSize int) error {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return err
	}
	if len(out) != originalSize {
		return bytes.ErrTooLarge
	}
	return nil
}

func (c *ZstdCodec) Name() string { return "zstd" }

// SnappyCodec binds github.com/golang/snappy as the fast, low-ratio
// alternative selectable for incompressible-heavy workloads (§4.7 [ADD]).
type SnappyCodec struct{}

func (SnappyCodec) Compress(scratch, src []byte) (int, bool) {
	out := snappy.Encode(nil, src)
	if len(out) >= len(src) || len(out) > cap(scratch) {
		return 0, false
	}
	copy(scratch[:len(out)], out)
	return len(out), true
}

func (SnappyCodec) Decompress(dst, src []byte, originalSize int) error {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return err
	}
	if len(out) != originalSize {
		return bytes.ErrTooLarge
	}
	copy(dst, out)
	return nil
}

func (SnappyCodec) Name() string { return "snappy" }
