package meshcore

import (
	"fmt"
	"net"
	"strings"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
)

// ParsePeerAddress parses a peer written as "<hex node id>@<host:port>".
func ParsePeerAddress(s string) (dht.Peer, error) {
	idPart, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || idPart == "" || addr == "" {
		return dht.Peer{}, fmt.Errorf("%w: %q", ErrInvalidPeerAddress, s)
	}

	id, err := crypto.NodeIDFromString(idPart)
	if err != nil {
		return dht.Peer{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeerAddress, s, err)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return dht.Peer{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeerAddress, s, err)
	}

	return *dht.NewPeer(id, addr, ""), nil
}

// ParsePeerAddresses parses a comma-separated list of peer addresses.
// Empty entries are skipped.
func ParsePeerAddresses(list string) ([]dht.Peer, error) {
	var peers []dht.Peer
	for _, entry := range strings.Split(list, ",") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		p, err := ParsePeerAddress(entry)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// PeerAddress formats the local node as accepted by ParsePeerAddress.
func (m *Manager) PeerAddress() string {
	return m.localID.String() + "@" + m.transport.LocalAddr()
}
