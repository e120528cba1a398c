// Package transport implements the datagram layer of the overlay.
//
// A [Transport] moves [Packet] envelopes between addresses without delivery
// guarantees. Two implementations are provided: [UDPTransport] for real
// networks and [MemoryNetwork] for simulations and tests. Both serialize
// packets with MessagePack, so the in-memory network exercises the same codec
// as the wire.
//
// [RPC] layers request/response correlation on top of a Transport: each
// request carries a RequestID that the response echoes back, and callers wait
// with a context deadline.
//
// Example:
//
//	network := transport.NewMemoryNetwork()
//	t, _ := network.Listen("mem://alice")
//	rpc := transport.NewRPC(t, transport.PeerInfo{ID: aliceID})
//	resp, err := rpc.Request(ctx, transport.PacketPing, nil, "mem://bob")
//
// Transport-level encryption, NAT traversal and handshakes are outside this
// package; the overlay assumes an abstract connection capability.
package transport
