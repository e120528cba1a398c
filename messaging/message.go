package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/limits"
)

// MessageType represents the kind of payload a message carries.
type MessageType uint8

const (
	// ChatMessage carries an encrypted chat payload.
	ChatMessage MessageType = iota + 1
	// SyncRequest asks another device for state.
	SyncRequest
	// SyncResponse answers a SyncRequest.
	SyncResponse
	// DeliveryReceipt acknowledges a received message.
	DeliveryReceipt
	// Presence announces a node's availability.
	Presence
)

var messageTypeNames = map[MessageType]string{
	ChatMessage:     "CHAT_MESSAGE",
	SyncRequest:     "SYNC_REQUEST",
	SyncResponse:    "SYNC_RESPONSE",
	DeliveryReceipt: "DELIVERY_RECEIPT",
	Presence:        "PRESENCE",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// Message is an overlay message. A nil To denotes a broadcast. Messages are
// treated as immutable once created; forwarding works on copies with a
// decremented TTL.
type Message struct {
	ID        string         `msgpack:"id"`
	Type      MessageType    `msgpack:"type"`
	Payload   []byte         `msgpack:"payload"`
	From      crypto.NodeID  `msgpack:"from"`
	To        *crypto.NodeID `msgpack:"to"`
	Timestamp time.Time      `msgpack:"ts"`
	TTL       int            `msgpack:"ttl"`
}

// NewDirectMessage creates a message from one node to another with the
// default hop budget.
func NewDirectMessage(from, to crypto.NodeID, messageType MessageType, payload []byte) *Message {
	recipient := to
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Payload:   payload,
		From:      from,
		To:        &recipient,
		Timestamp: time.Now(),
		TTL:       limits.DefaultTTL,
	}
}

// NewBroadcastMessage creates a message for every reachable node.
func NewBroadcastMessage(from crypto.NodeID, messageType MessageType, payload []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Payload:   payload,
		From:      from,
		Timestamp: time.Now(),
		TTL:       limits.DefaultTTL,
	}
}

// IsBroadcast reports whether the message has no recipient.
func (m *Message) IsBroadcast() bool {
	return m.To == nil
}

// IsFor reports whether the message is addressed to id.
func (m *Message) IsFor(id crypto.NodeID) bool {
	return m.To != nil && *m.To == id
}

// Validate checks the fields every message must carry.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case !m.Type.Valid():
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, uint8(m.Type))
	case m.From.IsZero():
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	case m.To != nil && m.To.IsZero():
		return fmt.Errorf("%w: zero recipient", ErrInvalidMessage)
	}
	if err := limits.ValidatePayload(m.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := limits.ValidateTTL(m.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// withTTL returns a copy of the message carrying ttl.
func (m *Message) withTTL(ttl int) *Message {
	forwarded := *m
	forwarded.TTL = ttl
	return &forwarded
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a message produced by Encode. It does not validate
// the result.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &m, nil
}
