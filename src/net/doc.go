// Package net implements the transports used to exchange shard and direct
// units between validators.
//
// This package contains two implementations of the Transport interface:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// Every unit sent through a Transport is answered by an AckResponse. Shard
// units carry the erasure-code metadata and an integrity checksum, so a
// receiver can check and use a shard without any other context.
//
// TCP
//
// The TCP transport frames each unit with its rpc type and encodes it with a
// WireCodec, MessagePack by default or CBOR. Connections are pooled per
// target, and the number of units accepted per second on an inbound connection
// is bounded by a token bucket.
//
// To use a TCP transport, set the following configuration options in the
// Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that shardcast binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes. If
// BindAddr is a local address not reachable by other peers, it is usefull to
// set AdvertiseAddr to the reachable public address.
//
// - WireCodec, InboundRate, InboundBurst: encoding and inbound rate limit.
package net
