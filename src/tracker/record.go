package tracker

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/mosaicnetworks/shardcast/src/erasure"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/relay"
)

// Status is the state of a dissemination record. Transitions are monotone:
// Pending -> Partial -> Complete or Failed, and a finished record never
// changes again.
type Status uint8

const (
	// Pending ...
	Pending Status = iota
	// Partial means some, not all, of the expected units were acknowledged
	// or received.
	Partial
	// Complete ...
	Complete
	// Failed ...
	Failed
)

// String ...
func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Partial:
		return "Partial"
	case Complete:
		return "Complete"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == Complete || s == Failed
}

// Direction distinguishes the messages we send from the ones we receive.
type Direction uint8

const (
	// Outbound ...
	Outbound Direction = iota
	// Inbound ...
	Inbound
)

// String ...
func (d Direction) String() string {
	if d == Outbound {
		return "Outbound"
	}
	return "Inbound"
}

// Slot is one unit an outbound message expects an acknowledgement for: a shard
// sent to a bearer, or the full payload sent to a direct recipient. Peer
// changes when a substitute takes over an unresponsive bearer's shard.
type Slot struct {
	Peer  string
	Role  relay.Role
	Index int
}

// Plan describes an outbound message to track.
type Plan struct {
	MessageType priority.MessageType
	Priority    priority.Priority
	Assignment  *relay.Assignment

	// Origin is the validator sending the message. It never takes over the
	// shard of another bearer.
	Origin string
}

// ShardArrival is a shard received from a peer.
type ShardArrival struct {
	MessageID   [32]byte
	MessageType priority.MessageType
	From        string
	Shard       erasure.Shard
	Meta        erasure.Metadata
}

// Delivery is emitted once per message when its record completes. Payload is
// only set for inbound messages.
type Delivery struct {
	MessageID   [32]byte
	Direction   Direction
	MessageType priority.MessageType
	Priority    priority.Priority
	Payload     []byte
}

// Failure is emitted once per message when its record fails.
type Failure struct {
	MessageID   [32]byte
	Direction   Direction
	MessageType priority.MessageType
	Priority    priority.Priority
	Err         error
}

// Record is a copy of the state of a tracked message.
type Record struct {
	MessageID   [32]byte
	Direction   Direction
	Status      Status
	MessageType priority.MessageType
	Priority    priority.Priority
	Strategy    priority.Strategy
	Slots       []Slot
	Acked       []int
	Failed      []string
	Received    int
	Retries     int
	Deadline    time.Time
	Created     time.Time
	Finished    time.Time
	Reason      error
}

type key struct {
	id  [32]byte
	dir Direction
}

type record struct {
	sync.Mutex

	key         key
	status      Status
	messageType priority.MessageType
	priority    priority.Priority
	strategy    priority.Strategy
	created     time.Time
	finished    time.Time
	deadline    time.Time
	reason      error
	timer       Timer
	watchers    []chan Status

	// outbound
	slots      []Slot
	acked      *bitset.BitSet
	failedSet  map[string]bool
	failed     []string
	standby    []string
	origin     string
	dataShards int
	retries    int

	// inbound
	meta     erasure.Metadata
	shards   []erasure.Shard
	arrived  *bitset.BitSet
	payload  []byte
	hasShard bool
}

func newOutboundRecord(plan Plan, now time.Time) *record {
	a := plan.Assignment

	r := &record{
		key:         key{a.MessageID, Outbound},
		status:      Pending,
		messageType: plan.MessageType,
		priority:    plan.Priority,
		strategy:    a.Strategy,
		created:     now,
		slots:       make([]Slot, len(a.Relays)),
		acked:       bitset.New(uint(len(a.Relays))),
		failedSet:   make(map[string]bool),
		standby:     append([]string(nil), a.Standby...),
		origin:      plan.Origin,
		dataShards:  a.DataShards,
	}

	for i, rel := range a.Relays {
		r.slots[i] = Slot{
			Peer:  rel.ID,
			Role:  rel.Role,
			Index: rel.ShardIndex,
		}
	}

	return r
}

func newInboundRecord(id [32]byte, mt priority.MessageType, now time.Time) *record {
	return &record{
		key:         key{id, Inbound},
		status:      Pending,
		messageType: mt,
		priority:    priority.PriorityOf(mt),
		created:     now,
		arrived:     bitset.New(0),
	}
}

// slotFor returns the position of the slot currently held by peer for a shard
// index, or -1. Direct slots have index -1.
func (r *record) slotFor(peer string, index int) int {
	for i, s := range r.slots {
		if s.Peer == peer && s.Index == index {
			return i
		}
	}
	return -1
}

func (r *record) allAcked() bool {
	return r.acked.Count() == uint(len(r.slots))
}

// reconstructable tells whether enough shards of an outbound message were
// acknowledged by their bearers for every honest receiver to rebuild it.
// Direct recipients of a Hybrid message do not forward it, so their
// acknowledgements do not count.
func (r *record) reconstructable() bool {
	if r.strategy == priority.Direct {
		return r.allAcked()
	}

	bearers := 0
	for i, s := range r.slots {
		if s.Role == relay.RoleShardBearer && r.acked.Test(uint(i)) {
			bearers++
		}
	}
	return bearers >= r.dataShards
}

// nextStandby pops the next standby validator that has not failed.
func (r *record) nextStandby() (string, bool) {
	for len(r.standby) > 0 {
		id := r.standby[0]
		r.standby = r.standby[1:]
		if !r.failedSet[id] {
			return id, true
		}
	}
	return "", false
}

// nextHolder picks a substitute for a shard slot once the standby validators
// are used up: a bearer of this message whose shards are all acknowledged,
// that has not failed and holds the fewest slots. The origin is never picked.
func (r *record) nextHolder(index int) (string, bool) {
	held := make(map[string]int)
	pending := make(map[string]bool)
	var order []string

	for i, s := range r.slots {
		if s.Role != relay.RoleShardBearer {
			continue
		}
		if held[s.Peer] == 0 {
			order = append(order, s.Peer)
		}
		held[s.Peer]++
		if !r.acked.Test(uint(i)) {
			pending[s.Peer] = true
		}
	}

	best := ""
	for _, peer := range order {
		if peer == r.origin || r.failedSet[peer] || pending[peer] || r.slotFor(peer, index) >= 0 {
			continue
		}
		if best == "" || held[peer] < held[best] {
			best = peer
		}
	}
	return best, best != ""
}

func (r *record) markFailed(peer string) {
	if r.failedSet[peer] {
		return
	}
	r.failedSet[peer] = true
	r.failed = append(r.failed, peer)
}

// finish moves the record to a terminal status, stops its timer and notifies
// watchers. It returns false if the record was already finished.
func (r *record) finish(status Status, reason error, now time.Time) bool {
	if r.status.Finished() {
		return false
	}

	r.status = status
	r.reason = reason
	r.finished = now

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	for _, w := range r.watchers {
		w <- status
		close(w)
	}
	r.watchers = nil

	// shards are not needed anymore
	r.shards = nil

	return true
}

func (r *record) snapshot() Record {
	res := Record{
		MessageID:   r.key.id,
		Direction:   r.key.dir,
		Status:      r.status,
		MessageType: r.messageType,
		Priority:    r.priority,
		Strategy:    r.strategy,
		Slots:       append([]Slot(nil), r.slots...),
		Failed:      append([]string(nil), r.failed...),
		Retries:     r.retries,
		Deadline:    r.deadline,
		Created:     r.created,
		Finished:    r.finished,
		Reason:      r.reason,
	}

	if r.acked != nil {
		for i, ok := r.acked.NextSet(0); ok; i, ok = r.acked.NextSet(i + 1) {
			res.Acked = append(res.Acked, int(i))
		}
	}
	if r.arrived != nil {
		res.Received = int(r.arrived.Count())
	}

	return res
}
