package router

import (
	"github.com/mosaicnetworks/shardcast/src/crypto"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/relay"
)

// Message is a consensus message to disseminate. Its id is derived from its
// contents, so the same message routed twice is recognized as a duplicate.
type Message struct {
	ID      [32]byte
	Type    priority.MessageType
	Round   uint64
	Session uint64
	Payload []byte
}

// NewMessage creates a message and computes its id.
func NewMessage(mt priority.MessageType, round, session uint64, payload []byte) *Message {
	return &Message{
		ID:      MessageID(mt, round, session, payload),
		Type:    mt,
		Round:   round,
		Session: session,
		Payload: payload,
	}
}

// MessageID is the BLAKE2b-256 digest of the type, round, session and
// payload.
func MessageID(mt priority.MessageType, round, session uint64, payload []byte) [32]byte {
	return crypto.Blake2b256(
		[]byte{byte(mt)},
		crypto.Uint64Bytes(round),
		crypto.Uint64Bytes(session),
		payload,
	)
}

// Size is the encoded size used for classification.
func (m *Message) Size() int {
	return len(m.Payload)
}

// Receipt describes how a message was routed.
type Receipt struct {
	MessageID  [32]byte
	Priority   priority.Priority
	Strategy   priority.Strategy
	Fallback   bool
	Assignment *relay.Assignment
}
