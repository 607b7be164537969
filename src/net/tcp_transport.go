package net

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// keepAlive is the TCP keep-alive period of outgoing connections.
// Pooled connections to relays stay open between messages.
const keepAlive = 30 * time.Second

// TCPConfig holds the settings of a TCP transport.
type TCPConfig struct {
	// BindAddr is the local address to listen on.
	BindAddr string

	// AdvertiseAddr is the address other validators dial. Empty means the
	// listener's address, which must then not be unspecified.
	AdvertiseAddr string

	MaxPool int
	Timeout time.Duration

	// WireCodec encodes units on the wire. Nil means msgpack.
	WireCodec WireCodec

	// InboundRate is the number of units per second accepted on one inbound
	// connection, with bursts of InboundBurst. Zero means no limit.
	InboundRate  float64
	InboundBurst int
}

// TCPStreamLayer is a StreamLayer over plain TCP.
type TCPStreamLayer struct {
	*net.TCPListener

	advertise string
	dialer    net.Dialer
}

// ListenTCP binds a TCPStreamLayer. The advertise address, or the bound
// address when it is empty, must be a routable TCP address.
func ListenTCP(bindAddr, advertiseAddr string) (*TCPStreamLayer, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	advertise := advertiseAddr
	if advertise == "" {
		advertise = ln.Addr().String()
	}

	if err := checkAdvertisable(advertise); err != nil {
		ln.Close()
		return nil, err
	}

	return &TCPStreamLayer{
		TCPListener: ln.(*net.TCPListener),
		advertise:   advertise,
		dialer:      net.Dialer{KeepAlive: keepAlive},
	}, nil
}

func checkAdvertisable(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotTCP, err)
	}
	if tcpAddr.IP == nil || tcpAddr.IP.IsUnspecified() {
		return errNotAdvertisable
	}
	return nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	d := t.dialer
	d.Timeout = timeout
	return d.Dial("tcp", address)
}

// AdvertiseAddr implements the StreamLayer interface.
func (t *TCPStreamLayer) AdvertiseAddr() string {
	return t.advertise
}

// NewTCPTransport listens on conf.BindAddr and returns a NetworkTransport over
// the resulting TCPStreamLayer.
func NewTCPTransport(conf TCPConfig, logger *logrus.Entry) (*NetworkTransport, error) {
	stream, err := ListenTCP(conf.BindAddr, conf.AdvertiseAddr)
	if err != nil {
		return nil, err
	}

	return NewNetworkTransport(
		stream,
		conf.MaxPool,
		conf.Timeout,
		conf.WireCodec,
		conf.InboundRate,
		conf.InboundBurst,
		logger,
	), nil
}
