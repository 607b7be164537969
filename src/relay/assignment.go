package relay

import (
	"github.com/mosaicnetworks/shardcast/src/priority"
)

// Role is the part a validator plays in disseminating a message.
type Role uint8

const (
	// RoleDirect receives the full payload.
	RoleDirect Role = iota
	// RoleShardBearer receives one shard and forwards it.
	RoleShardBearer
)

// String ...
func (r Role) String() string {
	switch r {
	case RoleDirect:
		return "Direct"
	case RoleShardBearer:
		return "ShardBearer"
	default:
		return "Unknown"
	}
}

// Relay is one selected validator. ShardIndex is only meaningful for shard
// bearers and is -1 for direct recipients.
type Relay struct {
	ID         string
	Role       Role
	ShardIndex int
}

// Assignment is the ordered result of a relay selection. Shard bearers come
// first, ordered by shard index, followed by direct recipients.
type Assignment struct {
	MessageID    [32]byte
	Epoch        uint64
	PerfVersion  uint64
	Strategy     priority.Strategy
	DataShards   int
	ParityShards int
	Relays       []Relay

	// Standby continues the deterministic draw over the validators that were
	// not selected. Substitutes for unresponsive shard bearers are taken from
	// it, in order.
	Standby []string
}

// IDs returns the ids of all relays, in order.
func (a *Assignment) IDs() []string {
	res := make([]string, len(a.Relays))
	for i, r := range a.Relays {
		res[i] = r.ID
	}
	return res
}

// Bearers returns the shard bearers, ordered by shard index.
func (a *Assignment) Bearers() []Relay {
	return a.byRole(RoleShardBearer)
}

// Directs returns the direct recipients.
func (a *Assignment) Directs() []Relay {
	return a.byRole(RoleDirect)
}

func (a *Assignment) byRole(role Role) []Relay {
	res := []Relay{}
	for _, r := range a.Relays {
		if r.Role == role {
			res = append(res, r)
		}
	}
	return res
}
