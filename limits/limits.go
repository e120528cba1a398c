// Package limits provides centralized size and hop limits for the overlay.
// This ensures consistent validation across the transport, routing and messaging layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPayloadSize is the largest application payload a Message may carry.
	// Payloads arrive already encrypted by the session layer above this one.
	MaxPayloadSize = 48 * 1024

	// MaxPacketSize is the largest serialized packet handed to a transport.
	// It stays below the 65507 byte ceiling of a single UDP datagram.
	MaxPacketSize = 60 * 1024

	// MaxPeersPerResponse bounds the peer list in a FindNode response.
	MaxPeersPerResponse = 32

	// DefaultTTL is the hop budget assigned to newly created messages.
	DefaultTTL = 7

	// MaxTTL is the largest hop budget accepted from the network.
	MaxTTL = 16
)

var (
	// ErrMessageEmpty indicates an empty buffer was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a buffer exceeds its maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidTTL indicates a hop budget outside [0, MaxTTL]
	ErrInvalidTTL = errors.New("invalid ttl")
)

// ValidateSize validates a buffer against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidatePayload checks an application payload against MaxPayloadSize.
// Empty payloads are allowed; sync requests and presence updates may carry none.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPayloadSize)
	}
	return nil
}

// ValidatePacket checks a serialized packet against MaxPacketSize.
func ValidatePacket(data []byte) error {
	return ValidateSize(data, MaxPacketSize)
}

// ValidateTTL checks that a hop budget is within [0, MaxTTL].
func ValidateTTL(ttl int) error {
	if ttl < 0 || ttl > MaxTTL {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidTTL, ttl, MaxTTL)
	}
	return nil
}
