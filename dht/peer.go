package dht

import (
	"time"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/transport"
)

// DefaultReliability is the score given to a peer before any exchange with it.
const DefaultReliability = 0.5

// Peer is a known overlay node. The RoutingTable owns the authoritative
// record; every accessor hands out copies.
type Peer struct {
	ID              crypto.NodeID
	Address         string
	PublicKey       string
	LastSeen        time.Time
	Reliability     float64
	ConnectionCount int
	LatencyMs       int
	IsConnected     bool
}

// NewPeer creates a peer record with neutral liveness statistics.
func NewPeer(id crypto.NodeID, address, publicKey string) *Peer {
	return &Peer{
		ID:          id,
		Address:     address,
		PublicKey:   publicKey,
		LastSeen:    time.Now(),
		Reliability: DefaultReliability,
	}
}

// PeerFromInfo converts a wire description into a peer record.
func PeerFromInfo(info transport.PeerInfo) *Peer {
	return NewPeer(info.ID, info.Address, info.PublicKey)
}

// Info returns the wire description of the peer.
func (p *Peer) Info() transport.PeerInfo {
	return transport.PeerInfo{
		ID:        p.ID,
		Address:   p.Address,
		PublicKey: p.PublicKey,
	}
}

// Distance returns the XOR distance between the peer and target.
func (p *Peer) Distance(target crypto.NodeID) crypto.NodeID {
	return p.ID.Xor(target)
}

// IsActive checks if the peer has been seen within timeout of now.
func (p *Peer) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) < timeout
}
