package erasure

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
	cm "github.com/mosaicnetworks/shardcast/src/common"
)

// MaxShards is the largest total number of shards supported by the Galois
// field used by the codec.
const MaxShards = 256

// Shard is one fixed-size chunk of an encoded payload.
type Shard struct {
	Index  int
	Data   []byte
	Parity bool
}

// Metadata travels with every shard and is enough for any receiver to check
// the shard and reconstruct the payload.
type Metadata struct {
	DataShards   int
	ParityShards int
	ShardSize    int
	OriginalSize int
}

// Total returns the number of shards, data and parity.
func (m Metadata) Total() int {
	return m.DataShards + m.ParityShards
}

// Validate checks the internal consistency of the metadata.
func (m Metadata) Validate() error {
	switch {
	case m.DataShards <= 0:
		return fmt.Errorf("data shards must be positive, got %d", m.DataShards)
	case m.ParityShards <= 0:
		return fmt.Errorf("parity shards must be positive, got %d", m.ParityShards)
	case m.Total() > MaxShards:
		return fmt.Errorf("%d shards exceed the maximum of %d", m.Total(), MaxShards)
	case m.OriginalSize <= 0:
		return fmt.Errorf("original size must be positive, got %d", m.OriginalSize)
	case m.ShardSize != shardSize(m.OriginalSize, m.DataShards):
		return fmt.Errorf("shard size %d does not match %d bytes over %d data shards",
			m.ShardSize, m.OriginalSize, m.DataShards)
	}
	return nil
}

// ShardSet is the result of encoding a payload: Total() shards ordered by
// index, the first DataShards of them holding the payload itself.
type ShardSet struct {
	Metadata
	Shards []Shard
}

// Codec encodes payloads with a fixed number of data and parity shards, and
// decodes shard sets produced by any Codec.
type Codec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// NewCodec creates a codec for d data shards and p parity shards.
func NewCodec(d, p int) (*Codec, error) {
	enc, err := encoderFor(d, p)
	if err != nil {
		return nil, err
	}
	return &Codec{
		dataShards:   d,
		parityShards: p,
		enc:          enc,
	}, nil
}

// DataShards ...
func (c *Codec) DataShards() int {
	return c.dataShards
}

// ParityShards ...
func (c *Codec) ParityShards() int {
	return c.parityShards
}

// Encode splits the payload into DataShards chunks of equal size, zero padding
// the last one, and computes ParityShards redundant shards.
func (c *Codec) Encode(payload []byte) (*ShardSet, error) {
	if len(payload) == 0 {
		return nil, cm.NewRouteErr("erasure", cm.PayloadTooSmall, "0 bytes")
	}

	meta := Metadata{
		DataShards:   c.dataShards,
		ParityShards: c.parityShards,
		ShardSize:    shardSize(len(payload), c.dataShards),
		OriginalSize: len(payload),
	}

	// one allocation for all shards; the tail beyond the payload stays zero
	buf := make([]byte, meta.ShardSize*meta.Total())
	copy(buf, payload)

	raw := make([][]byte, meta.Total())
	for i := range raw {
		raw[i] = buf[i*meta.ShardSize : (i+1)*meta.ShardSize : (i+1)*meta.ShardSize]
	}

	if err := c.enc.Encode(raw); err != nil {
		return nil, cm.WrapRouteErr("erasure", cm.EncodingError,
			fmt.Sprintf("%d+%d", c.dataShards, c.parityShards), err)
	}

	set := &ShardSet{
		Metadata: meta,
		Shards:   make([]Shard, meta.Total()),
	}
	for i, data := range raw {
		set.Shards[i] = Shard{
			Index:  i,
			Data:   data,
			Parity: i >= meta.DataShards,
		}
	}

	return set, nil
}

// Decode reconstructs the original payload from the received shards. Invalid
// and duplicate shards are skipped; decoding succeeds as long as DataShards
// distinct valid shards remain, whichever they are, and always yields the same
// bytes.
func (c *Codec) Decode(received []Shard, meta Metadata) ([]byte, error) {
	return Decode(received, meta)
}

// Decode is the codec-independent form of Codec.Decode: the erasure code is
// entirely described by the metadata.
func Decode(received []Shard, meta Metadata) ([]byte, error) {
	if err := meta.Validate(); err != nil {
		return nil, cm.WrapRouteErr("erasure", cm.InvalidShard, "metadata", err)
	}

	shards, count := collect(received, meta)
	if count < meta.DataShards {
		return nil, cm.NewRouteErr("erasure", cm.ReconstructionError,
			fmt.Sprintf("%d of %d shards", count, meta.DataShards))
	}

	enc, err := encoderFor(meta.DataShards, meta.ParityShards)
	if err != nil {
		return nil, cm.WrapRouteErr("erasure", cm.ReconstructionError, "encoder", err)
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, cm.WrapRouteErr("erasure", cm.ReconstructionError,
			fmt.Sprintf("%d of %d shards", count, meta.DataShards), err)
	}

	out := make([]byte, 0, meta.DataShards*meta.ShardSize)
	for i := 0; i < meta.DataShards; i++ {
		out = append(out, shards[i]...)
	}

	return out[:meta.OriginalSize], nil
}

// CanReconstruct reports whether the received shards contain at least
// DataShards distinct valid shards.
func CanReconstruct(received []Shard, meta Metadata) bool {
	if meta.Validate() != nil {
		return false
	}
	_, count := collect(received, meta)
	return count >= meta.DataShards
}

// ValidateShard rejects a shard whose index is out of range or whose size does
// not match the metadata.
func ValidateShard(s Shard, meta Metadata) error {
	switch {
	case s.Index < 0 || s.Index >= meta.Total():
		return cm.NewRouteErr("erasure", cm.InvalidShard,
			fmt.Sprintf("index %d out of [0, %d)", s.Index, meta.Total()))
	case len(s.Data) != meta.ShardSize:
		return cm.NewRouteErr("erasure", cm.InvalidShard,
			fmt.Sprintf("shard %d has %d bytes, expected %d", s.Index, len(s.Data), meta.ShardSize))
	}
	return nil
}

// collect places valid shards at their index, copying their data so the
// decoder never writes into caller memory, and counts the distinct ones.
func collect(received []Shard, meta Metadata) ([][]byte, int) {
	shards := make([][]byte, meta.Total())
	count := 0
	for _, s := range received {
		if ValidateShard(s, meta) != nil || shards[s.Index] != nil {
			continue
		}
		data := make([]byte, len(s.Data))
		copy(data, s.Data)
		shards[s.Index] = data
		count++
	}
	return shards, count
}

func shardSize(length, dataShards int) int {
	return (length + dataShards - 1) / dataShards
}

type codeKey struct {
	d, p int
}

var encoders sync.Map // codeKey => reedsolomon.Encoder

// encoderFor returns a shared encoder for a (d, p) code. Encoders are safe for
// concurrent use.
func encoderFor(d, p int) (reedsolomon.Encoder, error) {
	key := codeKey{d, p}
	if enc, ok := encoders.Load(key); ok {
		return enc.(reedsolomon.Encoder), nil
	}

	if d <= 0 || p <= 0 || d+p > MaxShards {
		return nil, cm.NewRouteErr("erasure", cm.EncodingError, fmt.Sprintf("%d+%d", d, p))
	}

	enc, err := reedsolomon.New(d, p)
	if err != nil {
		return nil, cm.WrapRouteErr("erasure", cm.EncodingError, fmt.Sprintf("%d+%d", d, p), err)
	}

	actual, _ := encoders.LoadOrStore(key, enc)
	return actual.(reedsolomon.Encoder), nil
}
