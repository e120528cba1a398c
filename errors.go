package meshcore

import (
	"errors"

	"github.com/opd-ai/meshcore/connection"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/messaging"
)

var (
	// ErrNotRunning is returned by network operations while the manager is
	// stopped.
	ErrNotRunning = errors.New("p2p manager not running")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("p2p manager closed")

	// ErrInvalidPeerAddress is returned for malformed "id@host:port" strings.
	ErrInvalidPeerAddress = errors.New("invalid peer address")
)

// Errors surfaced by the overlay components.
var (
	ErrPeerNotFound      = dht.ErrPeerNotFound
	ErrLookupTimeout     = dht.ErrLookupTimeout
	ErrConnectionTimeout = connection.ErrConnectionTimeout
	ErrInvalidMessage    = messaging.ErrInvalidMessage
	ErrUnreachablePeer   = messaging.ErrUnreachablePeer
)
