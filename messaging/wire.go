package messaging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/transport"
)

// RPCDelivery delivers encoded messages as one-way Message packets over an
// RPC endpoint.
type RPCDelivery struct {
	rpc *transport.RPC
}

// NewRPCDelivery creates a delivery layer sending through rpc.
func NewRPCDelivery(rpc *transport.RPC) *RPCDelivery {
	return &RPCDelivery{rpc: rpc}
}

// DeliverPacket implements interfaces.IPacketDelivery.
func (d *RPCDelivery) DeliverPacket(ctx context.Context, _ crypto.NodeID, address string, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.rpc.Send(transport.PacketMessage, packet, address)
}

// Attach makes the router handle Message packets arriving on rpc.
func (r *Router) Attach(rpc *transport.RPC) {
	rpc.HandleMessage(transport.PacketMessage, func(packet *transport.Packet, sender transport.PeerInfo) {
		msg, err := DecodeMessage(packet.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Attach",
				"from":     sender.Address,
				"error":    err.Error(),
			}).Debug("Dropping undecodable message")
			r.drop(nil, sender.ID, "invalid", &r.counters.droppedInvalid)
			return
		}
		r.HandleIncomingMessage(context.Background(), msg, sender.ID)
	})
}
