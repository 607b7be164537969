package relay

import (
	"encoding/binary"

	"github.com/mosaicnetworks/shardcast/src/crypto"
)

// streamDomain separates the selection stream from every other use of
// BLAKE2b over a message id.
var streamDomain = []byte("shardcast/relay-selection/v1")

// Stream is a deterministic sequence of uniform values in [0,1). Block i of the
// stream is BLAKE2b-256(domain || key || uint64be(i)), and each block yields
// four values, one per 8-byte big-endian chunk, keeping the top 53 bits.
type Stream struct {
	key     []byte
	counter uint64
	block   [crypto.DigestSize]byte
	offset  int
}

// NewStream creates the stream keyed by a message id.
func NewStream(key []byte) *Stream {
	k := make([]byte, len(key))
	copy(k, key)
	return &Stream{
		key:    k,
		offset: crypto.DigestSize,
	}
}

// Uint64 returns the next 64 bits of the stream.
func (s *Stream) Uint64() uint64 {
	if s.offset+8 > crypto.DigestSize {
		s.block = crypto.Blake2b256(streamDomain, s.key, crypto.Uint64Bytes(s.counter))
		s.counter++
		s.offset = 0
	}
	v := binary.BigEndian.Uint64(s.block[s.offset : s.offset+8])
	s.offset += 8
	return v
}

// Float64 returns the next value of the stream in [0,1).
func (s *Stream) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}
