package router

import (
	"fmt"
	"time"

	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/mosaicnetworks/shardcast/src/net"
	"github.com/mosaicnetworks/shardcast/src/peers"
	"github.com/mosaicnetworks/shardcast/src/relay"
	"github.com/mosaicnetworks/shardcast/src/tracker"
	"github.com/sirupsen/logrus"
)

// dispatch sends the unit of one slot in its own goroutine and reports the
// outcome to the tracker and the performance tracker.
func (r *Router) dispatch(id [32]byte, slot tracker.Slot) {
	out := r.lookupOutbound(id)
	if out == nil {
		return
	}

	r.goFunc(func() {
		r.send(out, slot)
	})
}

func (r *Router) send(out *outbound, slot tracker.Slot) {
	id := out.msg.ID

	var ack *net.AckResponse
	var err error

	start := time.Now()

	if slot.Peer == r.id {
		ack, err = r.deliverLocal(out, slot)
	} else {
		ack, err = r.sendRemote(out, slot)
	}

	r.counters.dispatched.Add(1)

	ok := err == nil && ack != nil && ack.Accepted
	if !ok {
		r.counters.dispatchFailures.Add(1)
		r.logger.WithFields(logrus.Fields{
			"id":    cm.EncodeToString(id[:]),
			"peer":  slot.Peer,
			"index": slot.Index,
			"error": err,
		}).Debug("Dispatch failed")
	}

	if slot.Peer != r.id {
		r.perf.RecordOutcome(slot.Peer, ok, time.Since(start))
	}

	if ok {
		r.tracker.Ack(id, slot.Peer, slot.Index)
	} else {
		r.tracker.Nack(id, slot.Peer, slot.Index)
	}
}

func (r *Router) sendRemote(out *outbound, slot tracker.Slot) (*net.AckResponse, error) {
	addr, ok := r.addr(slot.Peer)
	if !ok {
		return nil, fmt.Errorf("no address for validator %s", slot.Peer)
	}

	var resp net.AckResponse

	if slot.Role == relay.RoleShardBearer {
		unit := net.NewShardUnit(out.msg.ID, out.msg.Type, r.id,
			out.set.Shards[slot.Index], out.set.Metadata, true)
		if err := r.trans.SendShard(addr, unit, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	unit := net.NewDirectUnit(out.msg.ID, out.msg.Type, r.id, out.msg.Payload)
	if err := r.trans.SendDirect(addr, unit, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// deliverLocal handles a slot assigned to this node. The full payload is
// delivered locally, and a shard this node bears is forwarded like any relay
// hand-off.
func (r *Router) deliverLocal(out *outbound, slot tracker.Slot) (*net.AckResponse, error) {
	resp, err := r.OnDirectMessageReceived(
		net.NewDirectUnit(out.msg.ID, out.msg.Type, r.id, out.msg.Payload))

	if slot.Role == relay.RoleShardBearer && resp != nil && resp.Accepted {
		r.forward(net.NewShardUnit(out.msg.ID, out.msg.Type, r.id,
			out.set.Shards[slot.Index], out.set.Metadata, true))
		resp.Index = slot.Index
	}

	return resp, err
}

//------------------------------------------------------------------------------
// Inbound

func (r *Router) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.ShardUnit:
		resp, _ := r.OnShardReceived(cmd)
		rpc.Respond(resp, nil)
	case *net.DirectUnit:
		resp, _ := r.OnDirectMessageReceived(cmd)
		rpc.Respond(resp, nil)
	default:
		r.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

// OnShardReceived handles a shard unit from a peer. The returned AckResponse is
// always set; Accepted is false when the unit failed its integrity check or
// was malformed, and the error tells why. Shards of an already reconstructed
// message are accepted. A relay hand-off is forwarded to every other active
// validator.
func (r *Router) OnShardReceived(unit *net.ShardUnit) (*net.AckResponse, error) {
	resp := &net.AckResponse{
		MessageID: unit.MessageID,
		From:      r.id,
		Index:     unit.Index,
	}

	if !unit.Verify() {
		r.counters.rejected.Add(1)
		r.logger.WithFields(logrus.Fields{
			"id":    cm.EncodeToString(unit.MessageID[:]),
			"from":  unit.From,
			"index": unit.Index,
		}).Warn("Shard checksum mismatch")
		return resp, cm.NewRouteErr("router", cm.InvalidShard,
			fmt.Sprintf("shard %d checksum", unit.Index))
	}

	status, err := r.tracker.OnShard(tracker.ShardArrival{
		MessageID:   unit.MessageID,
		MessageType: unit.MessageType,
		From:        unit.From,
		Shard:       unit.Shard(),
		Meta:        unit.Metadata(),
	})

	switch {
	case err == nil, cm.Is(err, cm.DuplicateMessage):
		err = nil
	case cm.Is(err, cm.InvalidShard):
		r.counters.rejected.Add(1)
		r.logger.WithFields(logrus.Fields{
			"id":    cm.EncodeToString(unit.MessageID[:]),
			"from":  unit.From,
			"index": unit.Index,
			"error": err,
		}).Warn("Invalid shard")
		return resp, err
	default:
		// the shard was recorded but the message could not be rebuilt
		r.logger.WithFields(logrus.Fields{
			"id":     cm.EncodeToString(unit.MessageID[:]),
			"status": status,
			"error":  err,
		}).Error("Reconstruction failed")
	}

	resp.Accepted = true

	if unit.Relay {
		r.forward(unit)
	}

	return resp, err
}

// OnDirectMessageReceived handles a full payload from a peer.
func (r *Router) OnDirectMessageReceived(unit *net.DirectUnit) (*net.AckResponse, error) {
	resp := &net.AckResponse{
		MessageID: unit.MessageID,
		From:      r.id,
		Index:     -1,
	}

	if !unit.Verify() {
		r.counters.rejected.Add(1)
		r.logger.WithFields(logrus.Fields{
			"id":   cm.EncodeToString(unit.MessageID[:]),
			"from": unit.From,
		}).Warn("Direct unit checksum mismatch")
		return resp, cm.NewRouteErr("router", cm.InvalidShard, "direct unit checksum")
	}

	_, err := r.tracker.OnDirect(unit.MessageID, unit.MessageType, unit.Payload)
	if err != nil && !cm.Is(err, cm.DuplicateMessage) {
		return resp, err
	}

	resp.Accepted = true
	return resp, nil
}

// forward sends a relay hand-off, with the relay flag cleared, to every
// validator of the address book with an active stake, other than this node and
// the sender. Forwarded units are not tracked.
func (r *Router) forward(unit *net.ShardUnit) {
	stakes := r.stakes.Current()
	if stakes == nil {
		return
	}

	fwd := unit.Forward(r.id)

	for _, v := range peers.ExcludeValidators(r.Validators().Validators, r.id, unit.From) {
		if e, ok := stakes.Lookup(v.ID); !ok || e.Stake == 0 || v.NetAddr == "" {
			continue
		}
		peer, addr := v.ID, v.NetAddr
		r.goFunc(func() {
			var resp net.AckResponse
			start := time.Now()
			err := r.trans.SendShard(addr, fwd, &resp)
			r.perf.RecordOutcome(peer, err == nil && resp.Accepted, time.Since(start))
			r.counters.forwarded.Add(1)

			if err != nil {
				r.logger.WithFields(logrus.Fields{
					"id":    cm.EncodeToString(fwd.MessageID[:]),
					"peer":  peer,
					"index": fwd.Index,
					"error": err,
				}).Debug("Forward failed")
			}
		})
	}
}
