package block

import "github.com/spaolacci/murmur3"

// HashChunk computes the 128-bit content fingerprint (chunk_name) for a
// block's payload. Any non-cryptographic 128-bit hash suffices per §1;
// murmur3's Sum128 is the binding chosen for this engine.
func HashChunk(data []byte) Fingerprint {
	hi, lo := murmur3.Sum128(data)
	return Fingerprint{hi, lo}
}
