// Package interfaces defines the contracts between the message router and
// the network it delivers over.
//
// [IPacketDelivery] is the router's only outbound dependency. Production
// nodes satisfy it with a transport.RPC backed sender; tests use a
// [PacketDeliveryFunc] closure:
//
//	var sent [][]byte
//	delivery := interfaces.PacketDeliveryFunc(func(ctx context.Context, id crypto.NodeID, addr string, packet []byte) error {
//	    sent = append(sent, packet)
//	    return nil
//	})
//
// [PacketDeliveryConfig] carries the per-send timeout, the broadcast fan-out
// bound and the per-peer forwarding rate limit. Validate reports the first
// unusable value:
//
//	cfg := interfaces.DefaultPacketDeliveryConfig()
//	cfg.SendTimeout = 0
//	if err := cfg.Validate(); errors.Is(err, interfaces.ErrInvalidTimeout) {
//	    // fix the configuration
//	}
package interfaces
