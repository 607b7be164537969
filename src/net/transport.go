package net

import (
	"net"
	"time"
)

// Transport carries shard and direct units between validators.
type Transport interface {

	// Listen starts accepting inbound units. It blocks until the transport is
	// closed.
	Listen()

	// Consumer returns the channel of inbound units. Each RPC must be
	// answered with an AckResponse through Respond.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// SendShard and SendDirect deliver a unit to the target address and wait
	// for its acknowledgement.

	SendShard(target string, args *ShardUnit, resp *AckResponse) error

	SendDirect(target string, args *DirectUnit, resp *AckResponse) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}

// StreamLayer provides the NetworkTransport with connections to other
// validators. TCPStreamLayer is the plain TCP implementation.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}
