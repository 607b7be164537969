package tracker

import (
	"container/list"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/erasure"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/relay"
	"github.com/sirupsen/logrus"
)

// Config ...
type Config struct {
	RetryTimeout   time.Duration
	Backoff        float64
	MaxRetries     int
	InboundTimeout time.Duration
	MaxInFlight    int
	DedupWindow    time.Duration
	DedupCapacity  int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		RetryTimeout:   500 * time.Millisecond,
		Backoff:        2.0,
		MaxRetries:     3,
		InboundTimeout: 10 * time.Second,
		MaxInFlight:    1024,
		DedupWindow:    2 * time.Minute,
		DedupCapacity:  10000,
	}
}

// Resender re-dispatches one slot of an outbound message, to the peer now
// holding it.
type Resender func(id [32]byte, slot Slot)

// Stats are cumulative counters, except InFlight which is the current number
// of unfinished outbound erasure-coded messages.
type Stats struct {
	Outbound   uint64
	Inbound    uint64
	InFlight   int
	Completed  uint64
	Failed     uint64
	Retries    uint64
	Duplicates uint64
	Evicted    uint64
}

type finishedEntry struct {
	key key
	at  time.Time
}

// Tracker follows every message until it is complete or failed.
//
// The map of records is guarded by an RWMutex while each record carries its own
// mutex, so events about different messages never contend. The tracker lock is
// never acquired while a record lock is held.
type Tracker struct {
	conf   Config
	clock  Clock
	logger *logrus.Entry

	mu        sync.RWMutex
	records   map[key]*record
	done      *list.List
	stats     Stats
	closed    atomic.Bool
	resend    Resender
	onDeliver []func(Delivery)
	onFailure []func(Failure)
}

// NewTracker ...
func NewTracker(conf Config, clock Clock, logger *logrus.Entry) *Tracker {
	if clock == nil {
		clock = RealClock()
	}

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Tracker{
		conf:    conf,
		clock:   clock,
		logger:  logger.WithField("component", "tracker"),
		records: make(map[key]*record),
		done:    list.New(),
	}
}

// SetResender registers the function used to re-dispatch unacknowledged slots.
func (t *Tracker) SetResender(r Resender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resend = r
}

// OnDeliver registers a callback invoked once per completed message.
func (t *Tracker) OnDeliver(f func(Delivery)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDeliver = append(t.onDeliver, f)
}

// OnFailure registers a callback invoked once per failed message.
func (t *Tracker) OnFailure(f func(Failure)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = append(t.onFailure, f)
}

//------------------------------------------------------------------------------
// Outbound

// Track starts following an outbound message. It fails with Overloaded when
// MaxInFlight erasure-coded messages are already in flight, and with
// DuplicateMessage if the message is already tracked or was recently finished.
func (t *Tracker) Track(plan Plan) error {
	a := plan.Assignment
	if a == nil || len(a.Relays) == 0 {
		return fmt.Errorf("empty assignment")
	}

	k := key{a.MessageID, Outbound}
	now := t.clock.Now()

	t.mu.Lock()

	if t.closed.Load() {
		t.mu.Unlock()
		return fmt.Errorf("tracker closed")
	}

	t.prune(now)

	if _, ok := t.records[k]; ok {
		t.stats.Duplicates++
		t.mu.Unlock()
		return cm.NewRouteErr("tracker", cm.DuplicateMessage, cm.EncodeToString(k.id[:]))
	}

	if a.Strategy.Erasure() && t.conf.MaxInFlight > 0 && t.stats.InFlight >= t.conf.MaxInFlight {
		t.mu.Unlock()
		return cm.NewRouteErr("tracker", cm.Overloaded,
			fmt.Sprintf("%d in flight", t.conf.MaxInFlight))
	}

	r := newOutboundRecord(plan, now)

	r.Lock()
	r.deadline = now.Add(t.retryDelay(0))
	r.timer = t.clock.AfterFunc(t.retryDelay(0), func() { t.retryTick(r) })
	r.Unlock()

	t.records[k] = r
	t.stats.Outbound++
	if a.Strategy.Erasure() {
		t.stats.InFlight++
	}

	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"id":       cm.EncodeToString(k.id[:]),
		"strategy": a.Strategy,
		"slots":    len(a.Relays),
	}).Debug("Tracking outbound message")

	return nil
}

// Ack records the acknowledgement of a slot. Acknowledgements from peers that
// do not currently hold the slot, or for finished records, are ignored.
func (t *Tracker) Ack(id [32]byte, peer string, index int) {
	r := t.lookup(key{id, Outbound})
	if r == nil {
		return
	}

	r.Lock()

	if r.status.Finished() {
		r.Unlock()
		return
	}

	pos := r.slotFor(peer, index)
	if pos < 0 {
		r.Unlock()
		return
	}

	r.acked.Set(uint(pos))

	if !r.allAcked() {
		r.status = Partial
		r.Unlock()
		return
	}

	done := r.finish(Complete, nil, t.clock.Now())
	d := r.delivery()
	r.Unlock()

	if done {
		t.settle(r, &d, nil)
	}
}

// Nack records a failed dispatch of a slot. The peer is excluded from being a
// substitute for this message; the slot is re-dispatched at the next retry.
func (t *Tracker) Nack(id [32]byte, peer string, index int) {
	r := t.lookup(key{id, Outbound})
	if r == nil {
		return
	}

	r.Lock()
	defer r.Unlock()

	if r.status.Finished() || r.slotFor(peer, index) < 0 {
		return
	}

	r.markFailed(peer)
}

func (t *Tracker) retryDelay(retries int) time.Duration {
	return time.Duration(float64(t.conf.RetryTimeout) * math.Pow(t.conf.Backoff, float64(retries)))
}

// retryTick runs when a retry round expires. Unacknowledged shard slots are
// handed to the next standby validator, or else to a bearer that acknowledged
// its own shard, never to a failed peer. Direct slots are sent again to the
// same peer. After MaxRetries rounds the record is finalized.
func (t *Tracker) retryTick(r *record) {
	now := t.clock.Now()

	r.Lock()

	// checked under the record lock, so a tick racing with Close either sees
	// the flag or arms a timer Close then stops
	if r.status.Finished() || t.closed.Load() {
		r.Unlock()
		return
	}
	r.timer = nil

	if r.retries >= t.conf.MaxRetries {
		var done bool
		var d Delivery
		var f Failure

		if r.reconstructable() {
			done = r.finish(Complete, nil, now)
			d = r.delivery()
		} else {
			err := cm.NewRouteErr("tracker", cm.DeliveryFailed,
				fmt.Sprintf("%s: %d/%d acks after %d retries",
					cm.EncodeToString(r.key.id[:]), r.acked.Count(), len(r.slots), r.retries))
			done = r.finish(Failed, err, now)
			f = r.failure()
		}
		status := r.status
		r.Unlock()

		if done && status == Complete {
			t.settle(r, &d, nil)
		} else if done {
			t.settle(r, nil, &f)
		}
		return
	}

	r.retries++

	var resend []Slot
	for i := range r.slots {
		if r.acked.Test(uint(i)) {
			continue
		}
		s := &r.slots[i]
		if s.Role == relay.RoleShardBearer {
			r.markFailed(s.Peer)
			sub, ok := r.nextStandby()
			if !ok {
				sub, ok = r.nextHolder(s.Index)
			}
			if !ok {
				// nobody left to take the shard, the record is finalized
				// with the acknowledgements it has
				continue
			}
			t.logger.WithFields(logrus.Fields{
				"id":     cm.EncodeToString(r.key.id[:]),
				"index":  s.Index,
				"failed": s.Peer,
				"to":     sub,
			}).Debug("Substituting relay")
			s.Peer = sub
		}
		resend = append(resend, *s)
	}

	delay := t.retryDelay(r.retries)
	r.deadline = now.Add(delay)
	r.timer = t.clock.AfterFunc(delay, func() { t.retryTick(r) })
	id := r.key.id
	r.Unlock()

	t.mu.Lock()
	t.stats.Retries++
	resender := t.resend
	t.mu.Unlock()

	if resender != nil {
		for _, s := range resend {
			resender(id, s)
		}
	}
}

//------------------------------------------------------------------------------
// Inbound

// OnShard records the arrival of a shard. When DataShards distinct valid shards
// have arrived the payload is decoded and the record completes. Shards of a
// finished message are dropped with DuplicateMessage.
func (t *Tracker) OnShard(arrival ShardArrival) (Status, error) {
	if err := arrival.Meta.Validate(); err != nil {
		return Pending, cm.WrapRouteErr("tracker", cm.InvalidShard, "metadata", err)
	}
	if err := erasure.ValidateShard(arrival.Shard, arrival.Meta); err != nil {
		return Pending, err
	}

	r, err := t.inbound(arrival.MessageID, arrival.MessageType)
	if err != nil {
		return Pending, err
	}

	r.Lock()

	if r.status.Finished() {
		status := r.status
		r.Unlock()
		t.duplicate()
		return status, cm.NewRouteErr("tracker", cm.DuplicateMessage,
			cm.EncodeToString(arrival.MessageID[:]))
	}

	if !r.hasShard {
		r.meta = arrival.Meta
		r.arrived = bitset.New(uint(arrival.Meta.Total()))
		r.hasShard = true
	} else if r.meta != arrival.Meta {
		r.Unlock()
		return Pending, cm.NewRouteErr("tracker", cm.InvalidShard,
			fmt.Sprintf("shard %d metadata mismatch", arrival.Shard.Index))
	}

	index := uint(arrival.Shard.Index)
	if r.arrived.Test(index) {
		status := r.status
		r.Unlock()
		return status, nil
	}

	r.arrived.Set(index)
	r.shards = append(r.shards, arrival.Shard)
	r.status = Partial

	if int(r.arrived.Count()) < r.meta.DataShards {
		r.Unlock()
		return Partial, nil
	}

	now := t.clock.Now()
	payload, derr := erasure.Decode(r.shards, r.meta)

	var done bool
	var d Delivery
	var f Failure
	if derr == nil {
		r.payload = payload
		done = r.finish(Complete, nil, now)
		d = r.delivery()
	} else {
		done = r.finish(Failed, derr, now)
		f = r.failure()
	}
	status := r.status
	r.Unlock()

	if done && status == Complete {
		t.settle(r, &d, nil)
	} else if done {
		t.settle(r, nil, &f)
	}

	return status, derr
}

// OnDirect records the arrival of a full payload. It completes the inbound
// record immediately, including one that was collecting shards.
func (t *Tracker) OnDirect(id [32]byte, mt priority.MessageType, payload []byte) (Status, error) {
	r, err := t.inbound(id, mt)
	if err != nil {
		return Pending, err
	}

	r.Lock()

	if r.status.Finished() {
		status := r.status
		r.Unlock()
		t.duplicate()
		return status, cm.NewRouteErr("tracker", cm.DuplicateMessage, cm.EncodeToString(id[:]))
	}

	r.payload = payload
	done := r.finish(Complete, nil, t.clock.Now())
	d := r.delivery()
	r.Unlock()

	if done {
		t.settle(r, &d, nil)
	}

	return Complete, nil
}

// inbound returns the inbound record of a message, creating it with its
// timeout if needed.
func (t *Tracker) inbound(id [32]byte, mt priority.MessageType) (*record, error) {
	k := key{id, Inbound}

	if r := t.lookup(k); r != nil {
		return r, nil
	}

	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, fmt.Errorf("tracker closed")
	}

	t.prune(now)

	if r, ok := t.records[k]; ok {
		return r, nil
	}

	r := newInboundRecord(id, mt, now)
	r.Lock()
	r.deadline = now.Add(t.conf.InboundTimeout)
	r.timer = t.clock.AfterFunc(t.conf.InboundTimeout, func() { t.inboundTimeout(r) })
	r.Unlock()

	t.records[k] = r
	t.stats.Inbound++

	return r, nil
}

func (t *Tracker) inboundTimeout(r *record) {
	r.Lock()
	if t.closed.Load() {
		r.Unlock()
		return
	}
	err := cm.NewRouteErr("tracker", cm.DeliveryTimeout,
		fmt.Sprintf("%s: %d shards", cm.EncodeToString(r.key.id[:]), r.arrived.Count()))
	done := r.finish(Failed, err, t.clock.Now())
	f := r.failure()
	r.Unlock()

	if done {
		t.settle(r, nil, &f)
	}
}

//------------------------------------------------------------------------------
// Queries

// Status returns the status of a message. The outbound record takes precedence
// when a message is both sent and received by this node.
func (t *Tracker) Status(id [32]byte) (Status, error) {
	rec, err := t.Record(id)
	if err != nil {
		return Pending, err
	}
	return rec.Status, nil
}

// Record returns a copy of the record of a message, outbound first.
func (t *Tracker) Record(id [32]byte) (Record, error) {
	for _, dir := range []Direction{Outbound, Inbound} {
		if rec, err := t.RecordOf(id, dir); err == nil {
			return rec, nil
		}
	}
	return Record{}, cm.NewRouteErr("tracker", cm.UnknownMessage, cm.EncodeToString(id[:]))
}

// RecordOf returns a copy of the record of a message in one direction.
func (t *Tracker) RecordOf(id [32]byte, dir Direction) (Record, error) {
	r := t.lookup(key{id, dir})
	if r == nil {
		return Record{}, cm.NewRouteErr("tracker", cm.UnknownMessage, cm.EncodeToString(id[:]))
	}
	r.Lock()
	defer r.Unlock()
	return r.snapshot(), nil
}

// Payload returns the payload of a completed inbound message.
func (t *Tracker) Payload(id [32]byte) ([]byte, bool) {
	r := t.lookup(key{id, Inbound})
	if r == nil {
		return nil, false
	}
	r.Lock()
	defer r.Unlock()
	if r.status != Complete {
		return nil, false
	}
	return r.payload, true
}

// Watch returns a channel that receives the terminal status of a message and
// is then closed.
func (t *Tracker) Watch(id [32]byte) (<-chan Status, error) {
	r := t.lookup(key{id, Outbound})
	if r == nil {
		r = t.lookup(key{id, Inbound})
	}
	if r == nil {
		return nil, cm.NewRouteErr("tracker", cm.UnknownMessage, cm.EncodeToString(id[:]))
	}

	ch := make(chan Status, 1)

	r.Lock()
	defer r.Unlock()

	if r.status.Finished() {
		ch <- r.status
		close(ch)
		return ch, nil
	}

	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Stats ...
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// Close stops every timer. Tracked messages stay queryable but no longer
// progress.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed.Store(true)
	records := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	t.mu.Unlock()

	for _, r := range records {
		r.Lock()
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.Unlock()
	}
}

//------------------------------------------------------------------------------
// Internals

func (t *Tracker) lookup(k key) *record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[k]
}

func (t *Tracker) duplicate() {
	t.mu.Lock()
	t.stats.Duplicates++
	t.mu.Unlock()
}

// settle is called exactly once per record, after it reached a terminal
// status and without its lock held.
func (t *Tracker) settle(r *record, d *Delivery, f *Failure) {
	now := t.clock.Now()

	t.mu.Lock()
	if r.key.dir == Outbound && r.strategy.Erasure() {
		t.stats.InFlight--
	}
	if d != nil {
		t.stats.Completed++
	} else {
		t.stats.Failed++
	}
	t.done.PushBack(finishedEntry{key: r.key, at: now})
	t.prune(now)

	onDeliver := t.onDeliver
	onFailure := t.onFailure
	t.mu.Unlock()

	if d != nil {
		for _, cb := range onDeliver {
			cb(*d)
		}
		return
	}

	entry := t.logger.WithFields(logrus.Fields{
		"id":        cm.EncodeToString(f.MessageID[:]),
		"direction": f.Direction,
		"type":      f.MessageType,
	}).WithError(f.Err)
	if f.Priority == priority.Critical {
		entry.Error("Critical message failed")
	} else {
		entry.Warn("Message failed")
	}

	for _, cb := range onFailure {
		cb(*f)
	}
}

// prune evicts finished records older than the dedup window, and the oldest
// ones beyond the dedup capacity. Must be called with the tracker lock held.
func (t *Tracker) prune(now time.Time) {
	for e := t.done.Front(); e != nil; e = t.done.Front() {
		fe := e.Value.(finishedEntry)
		expired := now.Sub(fe.at) > t.conf.DedupWindow
		overflow := t.conf.DedupCapacity > 0 && t.done.Len() > t.conf.DedupCapacity
		if !expired && !overflow {
			return
		}
		t.done.Remove(e)
		delete(t.records, fe.key)
		t.stats.Evicted++
	}
}

func (r *record) delivery() Delivery {
	return Delivery{
		MessageID:   r.key.id,
		Direction:   r.key.dir,
		MessageType: r.messageType,
		Priority:    r.priority,
		Payload:     r.payload,
	}
}

func (r *record) failure() Failure {
	return Failure{
		MessageID:   r.key.id,
		Direction:   r.key.dir,
		MessageType: r.messageType,
		Priority:    r.priority,
		Err:         r.reason,
	}
}
