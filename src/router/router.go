package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/erasure"
	"github.com/mosaicnetworks/shardcast/src/net"
	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/mosaicnetworks/shardcast/src/performance"
	"github.com/mosaicnetworks/shardcast/src/priority"
	"github.com/mosaicnetworks/shardcast/src/relay"
	"github.com/mosaicnetworks/shardcast/src/stake"
	"github.com/mosaicnetworks/shardcast/src/tracker"
	"github.com/sirupsen/logrus"
)

// Config gathers the components a Router orchestrates. All fields but Logger
// are required.
type Config struct {
	// ID is the validator id of this node.
	ID string

	// Validators is the address book used to reach other validators.
	Validators *peers.ValidatorSet

	Stakes      *stake.Tracker
	Performance *performance.Tracker
	Prioritizer *priority.Prioritizer
	Relays      *relay.Manager
	Codec       *erasure.Codec
	Tracker     *tracker.Tracker
	Transport   net.Transport

	Logger *logrus.Entry
}

// Stats counts the router's activity on top of the tracker's.
type Stats struct {
	Tracker          tracker.Stats
	Routed           uint64
	Fallbacks        uint64
	Dispatched       uint64
	DispatchFailures uint64
	Forwarded        uint64
	Rejected         uint64
}

type counters struct {
	routed           atomic.Uint64
	fallbacks        atomic.Uint64
	dispatched       atomic.Uint64
	dispatchFailures atomic.Uint64
	forwarded        atomic.Uint64
	rejected         atomic.Uint64
}

// outbound is what the router keeps about a message it sends, until its record
// finishes, so that retries can rebuild the units.
type outbound struct {
	msg *Message
	set *erasure.ShardSet
}

// Router disseminates consensus messages. Route classifies a message, selects
// its relays, erasure-codes it when needed, registers it with the delivery
// tracker and sends its units concurrently. Run handles the units received
// from other validators.
type Router struct {
	routines

	id string

	validatorsLock sync.RWMutex
	validators     *peers.ValidatorSet

	stakes      *stake.Tracker
	perf        *performance.Tracker
	prioritizer *priority.Prioritizer
	relays      *relay.Manager
	codec       *erasure.Codec
	tracker     *tracker.Tracker

	trans net.Transport
	netCh <-chan net.RPC

	outLock  sync.Mutex
	outbound map[[32]byte]*outbound

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	counters counters

	logger *logrus.Entry
}

// NewRouter checks the configuration and creates a Router. The delivery
// tracker's resender is set to the router.
func NewRouter(conf Config) (*Router, error) {
	switch {
	case conf.ID == "":
		return nil, fmt.Errorf("router: empty id")
	case conf.Validators == nil:
		return nil, fmt.Errorf("router: no validator set")
	case conf.Stakes == nil, conf.Performance == nil, conf.Prioritizer == nil,
		conf.Relays == nil, conf.Codec == nil, conf.Tracker == nil, conf.Transport == nil:
		return nil, fmt.Errorf("router: missing component")
	}

	rc := conf.Relays.Config()
	if rc.DataShards != conf.Codec.DataShards() || rc.ParityShards != conf.Codec.ParityShards() {
		return nil, fmt.Errorf("router: relay committee %d+%d does not match codec %d+%d",
			rc.DataShards, rc.ParityShards, conf.Codec.DataShards(), conf.Codec.ParityShards())
	}

	logger := conf.Logger
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	r := &Router{
		id:          conf.ID,
		validators:  conf.Validators,
		stakes:      conf.Stakes,
		perf:        conf.Performance,
		prioritizer: conf.Prioritizer,
		relays:      conf.Relays,
		codec:       conf.Codec,
		tracker:     conf.Tracker,
		trans:       conf.Transport,
		netCh:       conf.Transport.Consumer(),
		outbound:    make(map[[32]byte]*outbound),
		shutdownCh:  make(chan struct{}),
		logger:      logger.WithField("this_id", conf.ID),
	}

	r.tracker.SetResender(r.resend)
	r.tracker.OnDeliver(func(d tracker.Delivery) {
		if d.Direction == tracker.Outbound {
			r.forget(d.MessageID)
		}
	})
	r.tracker.OnFailure(func(f tracker.Failure) {
		if f.Direction == tracker.Outbound {
			r.forget(f.MessageID)
		}
	})

	return r, nil
}

// ID ...
func (r *Router) ID() string {
	return r.id
}

// SetValidators replaces the address book.
func (r *Router) SetValidators(set *peers.ValidatorSet) {
	r.validatorsLock.Lock()
	defer r.validatorsLock.Unlock()
	r.validators = set
}

// Validators returns the current address book.
func (r *Router) Validators() *peers.ValidatorSet {
	r.validatorsLock.RLock()
	defer r.validatorsLock.RUnlock()
	return r.validators
}

func (r *Router) addr(id string) (string, bool) {
	return r.Validators().Addr(id)
}

// Route disseminates a message. It returns once the units are handed to the
// transport; delivery progress is reported by the tracker. When too few
// validators are active for erasure coding the message is sent directly to
// every active validator instead. Overloaded, DuplicateMessage and
// StaleStakeSnapshot errors are returned to the caller.
func (r *Router) Route(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}

	id := msg.ID
	hexID := cm.EncodeToString(id[:])

	prio, strategy := r.prioritizer.Classify(msg.Type, msg.Size())

	stakes := r.stakes.Current()
	perf := r.perf.Snapshot()

	fallback := false
	a, err := r.relays.Select(id, strategy, stakes, perf)
	if err != nil && strategy != priority.Direct && cm.Is(err, cm.InsufficientValidators) {
		r.logger.WithFields(logrus.Fields{
			"id":       hexID,
			"strategy": strategy,
			"error":    err,
		}).Warn("Falling back to direct dissemination")

		fallback = true
		a, err = r.relays.Select(id, priority.Direct, stakes, perf)
	}
	if err != nil {
		return nil, err
	}

	var set *erasure.ShardSet
	if a.Strategy.Erasure() {
		if set, err = r.codec.Encode(msg.Payload); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.outLock.Lock()
	if _, ok := r.outbound[id]; ok {
		r.outLock.Unlock()
		return nil, cm.NewRouteErr("router", cm.DuplicateMessage, hexID)
	}
	r.outbound[id] = &outbound{msg: msg, set: set}
	r.outLock.Unlock()

	err = r.tracker.Track(tracker.Plan{
		MessageType: msg.Type,
		Priority:    prio,
		Assignment:  a,
		Origin:      r.id,
	})
	if err != nil {
		r.forget(id)
		return nil, err
	}

	r.counters.routed.Add(1)
	if fallback {
		r.counters.fallbacks.Add(1)
	}

	r.logger.WithFields(logrus.Fields{
		"id":       hexID,
		"type":     msg.Type,
		"size":     msg.Size(),
		"priority": prio,
		"strategy": a.Strategy,
		"relays":   len(a.Relays),
	}).Debug("Route")

	// the origin delivers its own message like every other validator
	if _, err := r.tracker.OnDirect(id, msg.Type, msg.Payload); err != nil && !cm.Is(err, cm.DuplicateMessage) {
		r.logger.WithField("error", err).Warn("Local delivery failed")
	}

	for _, rel := range a.Relays {
		r.dispatch(id, tracker.Slot{Peer: rel.ID, Role: rel.Role, Index: rel.ShardIndex})
	}

	return &Receipt{
		MessageID:  id,
		Priority:   prio,
		Strategy:   a.Strategy,
		Fallback:   fallback,
		Assignment: a,
	}, nil
}

// resend is called by the tracker at each retry round for every slot that is
// still unacknowledged.
func (r *Router) resend(id [32]byte, slot tracker.Slot) {
	r.dispatch(id, slot)
}

func (r *Router) lookupOutbound(id [32]byte) *outbound {
	r.outLock.Lock()
	defer r.outLock.Unlock()
	return r.outbound[id]
}

func (r *Router) forget(id [32]byte) {
	r.outLock.Lock()
	defer r.outLock.Unlock()
	delete(r.outbound, id)
}

// Status returns the delivery status of a message.
func (r *Router) Status(id [32]byte) (tracker.Status, error) {
	return r.tracker.Status(id)
}

// Record returns a copy of the delivery record of a message.
func (r *Router) Record(id [32]byte) (tracker.Record, error) {
	return r.tracker.Record(id)
}

// Payload returns the payload of a message received and rebuilt by this node.
func (r *Router) Payload(id [32]byte) ([]byte, bool) {
	return r.tracker.Payload(id)
}

// Watch returns a channel receiving the terminal status of a message.
func (r *Router) Watch(id [32]byte) (<-chan tracker.Status, error) {
	return r.tracker.Watch(id)
}

// OnDeliver registers a callback invoked once per completed message.
func (r *Router) OnDeliver(f func(tracker.Delivery)) {
	r.tracker.OnDeliver(f)
}

// OnFailure registers a callback invoked once per failed message.
func (r *Router) OnFailure(f func(tracker.Failure)) {
	r.tracker.OnFailure(f)
}

// Stats ...
func (r *Router) Stats() Stats {
	return Stats{
		Tracker:          r.tracker.Stats(),
		Routed:           r.counters.routed.Load(),
		Fallbacks:        r.counters.fallbacks.Load(),
		Dispatched:       r.counters.dispatched.Load(),
		DispatchFailures: r.counters.dispatchFailures.Load(),
		Forwarded:        r.counters.forwarded.Load(),
		Rejected:         r.counters.rejected.Load(),
	}
}

// Run processes inbound units until Shutdown is called.
func (r *Router) Run() {
	for {
		select {
		case rpc := <-r.netCh:
			started := r.goFunc(func() {
				r.processRPC(rpc)
			})
			if !started {
				rpc.Respond(nil, fmt.Errorf("router is shutting down"))
			}
		case <-r.shutdownCh:
			return
		}
	}
}

// RunAsync calls Run in a separate goroutine.
func (r *Router) RunAsync() {
	go r.Run()
}

// Shutdown stops Run and waits for every dispatch and inbound handler to
// return. The transport and the tracker belong to the caller.
func (r *Router) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Debug("Shutdown")
		close(r.shutdownCh)
		r.waitRoutines()
	})
}
