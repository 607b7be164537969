package crypto

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size, in bytes, of message ids and checksums.
const DigestSize = 32

// Blake2b256 returns the BLAKE2b-256 digest of the concatenation of the
// provided chunks.
func Blake2b256(chunks ...[]byte) [DigestSize]byte {
	// New256 only fails for keys longer than 64 bytes
	hasher, _ := blake2b.New256(nil)
	for _, c := range chunks {
		hasher.Write(c)
	}
	var out [DigestSize]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// Checksum computes the BLAKE3-256 integrity checksum of the provided chunks.
// Each chunk is length-prefixed so that different splits of the same bytes
// produce different checksums.
func Checksum(chunks ...[]byte) []byte {
	hasher := blake3.New()
	var lenBuf [8]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(c)))
		hasher.Write(lenBuf[:])
		hasher.Write(c)
	}
	return hasher.Sum(nil)
}

// Uint64Bytes returns the big-endian encoding of v.
func Uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
