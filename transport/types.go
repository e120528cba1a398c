package transport

import "errors"

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// PacketHandler is a function that processes incoming packets. from is the
// address the packet arrived from.
type PacketHandler func(packet *Packet, from string) error

// Transport defines the interface for datagram transports used by the overlay.
// This abstraction allows the in-memory network and UDP to be used
// interchangeably. Delivery is best-effort: Send returning nil does not mean
// the packet arrived.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr string) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the address the transport is listening on.
	LocalAddr() string

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
