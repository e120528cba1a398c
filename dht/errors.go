package dht

import (
	"errors"
	"fmt"

	"github.com/opd-ai/meshcore/crypto"
)

var (
	// ErrPeerNotFound is returned when an operation references a peer id
	// that is not in the routing table.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrLocalPeer is returned when the local node is offered as a peer.
	ErrLocalPeer = errors.New("peer is the local node")

	// ErrInvalidPeer is returned for peers with a zero id.
	ErrInvalidPeer = errors.New("invalid peer")

	// ErrLookupTimeout is returned when an iterative lookup exceeds its
	// overall time budget. Peers discovered before the deadline are still
	// returned alongside it.
	ErrLookupTimeout = errors.New("lookup timed out")

	// ErrDiscoveryStopped is returned by operations on a stopped engine or
	// cut short by Stop.
	ErrDiscoveryStopped = errors.New("peer discovery stopped")
)

// PeerError records a failed operation on a specific peer.
type PeerError struct {
	Op     string
	PeerID crypto.NodeID
	Err    error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.PeerID.Short(), e.Err)
}

// Unwrap returns the underlying error.
func (e *PeerError) Unwrap() error {
	return e.Err
}
