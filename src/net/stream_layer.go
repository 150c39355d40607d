package net

import (
	"context"
	"net"
)

// StreamLayer is used with the Discovery to provide the low level stream
// abstraction.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(ctx context.Context, address string) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Min int
	Max int
}

// Valid reports whether the range is non-empty and within TCP bounds.
func (r PortRange) Valid() bool {
	return r.Min > 0 && r.Max <= 65535 && r.Min <= r.Max
}
