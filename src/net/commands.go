package net

import (
	"bytes"

	"github.com/mosaicnetworks/shardcast/src/crypto"
	"github.com/mosaicnetworks/shardcast/src/erasure"
	"github.com/mosaicnetworks/shardcast/src/priority"
)

// ShardUnit carries one erasure-coded shard together with everything a
// receiver needs to check it and, once enough shards arrived, reconstruct the
// payload. Relay asks the receiver to forward the shard to the rest of the
// validator set.
type ShardUnit struct {
	MessageID    [32]byte
	MessageType  priority.MessageType
	From         string
	Index        int
	Data         []byte
	DataShards   int
	ParityShards int
	OriginalSize int
	Relay        bool
	Checksum     []byte
}

// NewShardUnit creates the unit carrying shard s and computes its checksum.
func NewShardUnit(id [32]byte,
	mt priority.MessageType,
	from string,
	s erasure.Shard,
	meta erasure.Metadata,
	relay bool) *ShardUnit {

	u := &ShardUnit{
		MessageID:    id,
		MessageType:  mt,
		From:         from,
		Index:        s.Index,
		Data:         s.Data,
		DataShards:   meta.DataShards,
		ParityShards: meta.ParityShards,
		OriginalSize: meta.OriginalSize,
		Relay:        relay,
	}
	u.Checksum = u.ComputeChecksum()
	return u
}

// ComputeChecksum covers the message id, the shard index, the code parameters,
// the original size and the shard bytes. The relay flag and the sender are
// hop-by-hop fields and are not covered.
func (u *ShardUnit) ComputeChecksum() []byte {
	return crypto.Checksum(
		u.MessageID[:],
		[]byte{byte(u.MessageType)},
		crypto.Uint64Bytes(uint64(u.Index)),
		crypto.Uint64Bytes(uint64(u.DataShards)),
		crypto.Uint64Bytes(uint64(u.ParityShards)),
		crypto.Uint64Bytes(uint64(u.OriginalSize)),
		u.Data,
	)
}

// Verify checks the integrity checksum.
func (u *ShardUnit) Verify() bool {
	return bytes.Equal(u.Checksum, u.ComputeChecksum())
}

// Shard ...
func (u *ShardUnit) Shard() erasure.Shard {
	return erasure.Shard{
		Index:  u.Index,
		Data:   u.Data,
		Parity: u.Index >= u.DataShards,
	}
}

// Metadata ...
func (u *ShardUnit) Metadata() erasure.Metadata {
	return erasure.Metadata{
		DataShards:   u.DataShards,
		ParityShards: u.ParityShards,
		ShardSize:    (u.OriginalSize + u.DataShards - 1) / maxInt(u.DataShards, 1),
		OriginalSize: u.OriginalSize,
	}
}

// Forward returns a copy of the unit, from another sender, with the relay flag
// cleared.
func (u *ShardUnit) Forward(from string) *ShardUnit {
	fwd := *u
	fwd.From = from
	fwd.Relay = false
	return &fwd
}

// DirectUnit carries a full payload.
type DirectUnit struct {
	MessageID   [32]byte
	MessageType priority.MessageType
	From        string
	Payload     []byte
	Checksum    []byte
}

// NewDirectUnit creates a unit and computes its checksum.
func NewDirectUnit(id [32]byte, mt priority.MessageType, from string, payload []byte) *DirectUnit {
	u := &DirectUnit{
		MessageID:   id,
		MessageType: mt,
		From:        from,
		Payload:     payload,
	}
	u.Checksum = u.ComputeChecksum()
	return u
}

// ComputeChecksum covers the message id, the type and the payload.
func (u *DirectUnit) ComputeChecksum() []byte {
	return crypto.Checksum(
		u.MessageID[:],
		[]byte{byte(u.MessageType)},
		u.Payload,
	)
}

// Verify checks the integrity checksum.
func (u *DirectUnit) Verify() bool {
	return bytes.Equal(u.Checksum, u.ComputeChecksum())
}

// AckResponse acknowledges a unit. Index is the shard index, or -1 for a
// direct unit. Accepted is false when the unit was rejected, for instance
// because its checksum did not match.
type AckResponse struct {
	MessageID [32]byte
	From      string
	Index     int
	Accepted  bool
}

// RPCResponse captures both a response and a potential error.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RPC encapsulates an inbound unit, *ShardUnit or *DirectUnit, and provides a
// response mechanism.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{resp, err}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
