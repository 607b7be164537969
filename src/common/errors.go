package common

import (
	"errors"
	"fmt"
)

// RouteErrType enumerates the failure kinds reported by the dissemination
// layer.
type RouteErrType uint32

const (
	// InsufficientValidators means the active validator set is too small for
	// the required redundancy.
	InsufficientValidators RouteErrType = iota
	// PayloadTooSmall is returned when encoding an empty payload.
	PayloadTooSmall
	// EncodingError wraps a failure of the erasure encoder.
	EncodingError
	// ReconstructionError means fewer than the data-shard count of valid
	// shards were available.
	ReconstructionError
	// InvalidShard flags a malformed or mismatched shard rejected before
	// decoding.
	InvalidShard
	// Overloaded is returned when the in-flight limit is reached.
	Overloaded
	// DeliveryTimeout means an inbound message did not complete before its
	// deadline.
	DeliveryTimeout
	// DeliveryFailed means retries were exhausted.
	DeliveryFailed
	// StaleStakeSnapshot means selection was attempted against an expired
	// epoch.
	StaleStakeSnapshot
	// UnknownMessage means no record exists for the message id.
	UnknownMessage
	// DuplicateMessage means the message id is already tracked.
	DuplicateMessage
)

var routeErrTypes = []string{
	"Insufficient Validators",
	"Payload Too Small",
	"Encoding Error",
	"Reconstruction Error",
	"Invalid Shard",
	"Overloaded",
	"Delivery Timeout",
	"Delivery Failed",
	"Stale Stake Snapshot",
	"Unknown Message",
	"Duplicate Message",
}

// String ...
func (t RouteErrType) String() string {
	if int(t) < len(routeErrTypes) {
		return routeErrTypes[t]
	}
	return "Unknown Error"
}

// RouteErr is the error type shared by all the packages of the dissemination
// layer. Component names the package or subsystem that produced it and key
// carries the message id, peer, or value involved.
type RouteErr struct {
	component string
	errType   RouteErrType
	key       string
	cause     error
}

// NewRouteErr ...
func NewRouteErr(component string, errType RouteErrType, key string) RouteErr {
	return RouteErr{
		component: component,
		errType:   errType,
		key:       key,
	}
}

// WrapRouteErr attaches an underlying cause to a RouteErr.
func WrapRouteErr(component string, errType RouteErrType, key string, cause error) RouteErr {
	return RouteErr{
		component: component,
		errType:   errType,
		key:       key,
		cause:     cause,
	}
}

// Type returns the kind of the error.
func (e RouteErr) Type() RouteErrType {
	return e.errType
}

// Error ...
func (e RouteErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s, %s, %s: %v", e.component, e.key, e.errType, e.cause)
	}
	return fmt.Sprintf("%s, %s, %s", e.component, e.key, e.errType)
}

// Unwrap returns the underlying cause, if any.
func (e RouteErr) Unwrap() error {
	return e.cause
}

// Is checks that err, or any error it wraps, is a RouteErr of type t.
func Is(err error, t RouteErrType) bool {
	var routeErr RouteErr
	return errors.As(err, &routeErr) && routeErr.errType == t
}
