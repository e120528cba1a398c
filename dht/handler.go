package dht

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/limits"
	"github.com/opd-ai/meshcore/transport"
)

// Handler serves the DHT protocol over an RPC endpoint. It answers FindNode
// and Ping requests from the routing table and issues the same requests on
// behalf of the local node, acting as the engine's Querier.
type Handler struct {
	rpc          *transport.RPC
	routingTable *RoutingTable
}

// NewHandler registers the DHT request handlers on rpc.
func NewHandler(rpc *transport.RPC, rt *RoutingTable) *Handler {
	h := &Handler{
		rpc:          rpc,
		routingTable: rt,
	}
	rpc.HandleRequest(transport.PacketFindNode, h.handleFindNode)
	rpc.HandleRequest(transport.PacketPing, h.handlePing)
	return h
}

// Observe makes d learn about every node that sends a packet to this
// endpoint.
func (h *Handler) Observe(d *Discovery) {
	h.rpc.SetObserver(d.ObservePeer)
}

// handleFindNode answers with the target itself when known, followed by the
// closest peers to it. The requester is never included.
func (h *Handler) handleFindNode(req *transport.Packet, sender transport.PeerInfo) ([]byte, error) {
	var query transport.FindNodeRequest
	if err := transport.DecodePayload(req.Payload, &query); err != nil {
		return nil, err
	}

	peers := make([]transport.PeerInfo, 0, limits.MaxPeersPerResponse)
	if p, ok := h.routingTable.GetPeer(query.Target); ok && p.ID != sender.ID {
		peers = append(peers, p.Info())
	}
	for _, p := range h.routingTable.FindClosestPeers(query.Target, limits.MaxPeersPerResponse+1) {
		if len(peers) == limits.MaxPeersPerResponse {
			break
		}
		if p.ID == sender.ID {
			continue
		}
		peers = append(peers, p.Info())
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleFindNode",
		"requester": sender.ID.Short(),
		"target":    query.Target.Short(),
		"returned":  len(peers),
	}).Debug("Answering FindNode")

	return transport.EncodePayload(transport.FindNodeResponse{Peers: peers})
}

func (h *Handler) handlePing(_ *transport.Packet, _ transport.PeerInfo) ([]byte, error) {
	return nil, nil
}

// FindNode asks peer for the peers it knows closest to target.
func (h *Handler) FindNode(ctx context.Context, peer Peer, target crypto.NodeID) ([]Peer, error) {
	payload, err := transport.EncodePayload(transport.FindNodeRequest{Target: target})
	if err != nil {
		return nil, err
	}

	resp, err := h.rpc.Request(ctx, transport.PacketFindNode, payload, peer.Address)
	if err != nil {
		return nil, &PeerError{Op: "find_node", PeerID: peer.ID, Err: err}
	}

	var answer transport.FindNodeResponse
	if err := transport.DecodePayload(resp.Payload, &answer); err != nil {
		return nil, &PeerError{Op: "find_node", PeerID: peer.ID, Err: err}
	}
	if len(answer.Peers) > limits.MaxPeersPerResponse {
		return nil, &PeerError{
			Op:     "find_node",
			PeerID: peer.ID,
			Err:    fmt.Errorf("%w: %d peers in response", transport.ErrMalformedPacket, len(answer.Peers)),
		}
	}

	peers := make([]Peer, 0, len(answer.Peers))
	for _, info := range answer.Peers {
		if info.ID.IsZero() || info.Address == "" {
			continue
		}
		peers = append(peers, *PeerFromInfo(info))
	}
	return peers, nil
}

// Ping sends a ping to peer and returns the round-trip time.
func (h *Handler) Ping(ctx context.Context, peer Peer) (time.Duration, error) {
	start := time.Now()
	if _, err := h.rpc.Request(ctx, transport.PacketPing, nil, peer.Address); err != nil {
		return 0, &PeerError{Op: "ping", PeerID: peer.ID, Err: err}
	}
	return time.Since(start), nil
}
