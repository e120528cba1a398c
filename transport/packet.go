package transport

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/limits"
)

// PacketType identifies the type of an overlay packet.
type PacketType byte

const (
	// PacketPing probes a peer's liveness and round-trip time.
	PacketPing PacketType = iota + 1
	// PacketPong answers a PacketPing.
	PacketPong
	// PacketFindNode asks a peer for the peers it knows closest to a target.
	PacketFindNode
	// PacketFindNodeResponse answers a PacketFindNode.
	PacketFindNodeResponse
	// PacketMessage carries a routed application message. It has no response.
	PacketMessage
)

// String returns a readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketFindNode:
		return "find_node"
	case PacketFindNodeResponse:
		return "find_node_response"
	case PacketMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t >= PacketPing && t <= PacketMessage
}

// ResponseType returns the packet type that answers t, if t is a request.
func (t PacketType) ResponseType() (PacketType, bool) {
	switch t {
	case PacketPing:
		return PacketPong, true
	case PacketFindNode:
		return PacketFindNodeResponse, true
	default:
		return 0, false
	}
}

// IsResponse reports whether t answers a request.
func (t PacketType) IsResponse() bool {
	return t == PacketPong || t == PacketFindNodeResponse
}

// PeerInfo is the wire description of a peer.
type PeerInfo struct {
	ID        crypto.NodeID `msgpack:"id"`
	Address   string        `msgpack:"addr"`
	PublicKey string        `msgpack:"pk,omitempty"`
}

// Packet is the envelope exchanged between overlay nodes.
type Packet struct {
	Type      PacketType `msgpack:"t"`
	RequestID uint64     `msgpack:"r,omitempty"`
	Sender    PeerInfo   `msgpack:"s"`
	Payload   []byte     `msgpack:"p,omitempty"`
}

// FindNodeRequest is the payload of a PacketFindNode.
type FindNodeRequest struct {
	Target crypto.NodeID `msgpack:"target"`
}

// FindNodeResponse is the payload of a PacketFindNodeResponse.
type FindNodeResponse struct {
	Peers []PeerInfo `msgpack:"peers"`
}

var (
	// ErrInvalidPacketType is returned for packets with an unknown type byte.
	ErrInvalidPacketType = errors.New("invalid packet type")
	// ErrMalformedPacket is returned when a packet cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Serialize encodes the packet for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketType, byte(p.Type))
	}

	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s packet: %w", p.Type, err)
	}

	if err := limits.ValidatePacket(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ParsePacket decodes a packet received from the network.
func ParsePacket(data []byte) (*Packet, error) {
	if err := limits.ValidatePacket(data); err != nil {
		return nil, err
	}

	var p Packet
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketType, byte(p.Type))
	}
	return &p, nil
}

// EncodePayload encodes a packet payload value.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes a packet payload into v.
func DecodePayload(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return nil
}
