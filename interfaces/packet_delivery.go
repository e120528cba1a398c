package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/meshcore/crypto"
)

var (
	// ErrInvalidTimeout is returned for a non-positive send timeout.
	ErrInvalidTimeout = errors.New("invalid send timeout")

	// ErrInvalidParallelism is returned when MaxParallel is not positive.
	ErrInvalidParallelism = errors.New("invalid parallelism")

	// ErrInvalidRate is returned for a negative forward rate or a burst that
	// cannot admit a single message.
	ErrInvalidRate = errors.New("invalid forward rate")
)

// IPacketDelivery hands an encoded message envelope to the network for a
// single peer. Implementations decide how the address is reached; the router
// only sees success or failure.
type IPacketDelivery interface {
	// DeliverPacket sends packet to the peer listening at address
	DeliverPacket(ctx context.Context, peerID crypto.NodeID, address string, packet []byte) error
}

// PacketDeliveryFunc adapts a function to IPacketDelivery.
type PacketDeliveryFunc func(ctx context.Context, peerID crypto.NodeID, address string, packet []byte) error

// DeliverPacket calls f.
func (f PacketDeliveryFunc) DeliverPacket(ctx context.Context, peerID crypto.NodeID, address string, packet []byte) error {
	return f(ctx, peerID, address, packet)
}

// PacketDeliveryConfig holds configuration for outbound delivery and
// forwarding.
type PacketDeliveryConfig struct {
	// SendTimeout bounds the delivery of one packet to one peer
	SendTimeout time.Duration

	// MaxParallel bounds concurrent deliveries of one broadcast
	MaxParallel int

	// ForwardRate is the number of relayed messages per second accepted from
	// one peer; zero disables the limit
	ForwardRate float64

	// ForwardBurst is the burst allowed above ForwardRate
	ForwardBurst int
}

// DefaultPacketDeliveryConfig returns sensible delivery defaults.
func DefaultPacketDeliveryConfig() PacketDeliveryConfig {
	return PacketDeliveryConfig{
		SendTimeout:  2 * time.Second,
		MaxParallel:  16,
		ForwardRate:  50,
		ForwardBurst: 100,
	}
}

// Validate checks the configuration for values the router cannot work with.
func (c PacketDeliveryConfig) Validate() error {
	if c.SendTimeout <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTimeout, c.SendTimeout)
	}
	if c.MaxParallel <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidParallelism, c.MaxParallel)
	}
	if c.ForwardRate < 0 {
		return fmt.Errorf("%w: rate %v", ErrInvalidRate, c.ForwardRate)
	}
	if c.ForwardRate > 0 && c.ForwardBurst < 1 {
		return fmt.Errorf("%w: burst %d", ErrInvalidRate, c.ForwardBurst)
	}
	return nil
}
