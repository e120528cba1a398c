package meshcore

import (
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/messaging"
)

// NetworkStats is derived on demand from the routing table and the
// connection manager.
type NetworkStats struct {
	ConnectedPeers       int
	TotalPeersDiscovered int
	// AverageLatency is the mean latency in milliseconds of the connected
	// peers with a measurement.
	AverageLatency float64
	// NetworkReliability is the mean reliability of the connected peers.
	NetworkReliability float64
}

// NetworkInfo is the detailed state of the node.
type NetworkInfo struct {
	IsRunning       bool
	LocalID         crypto.NodeID
	Address         string
	Stats           NetworkStats
	DHT             dht.DHTStats
	Router          messaging.RouterStats
	Lookups         uint64
	DiscoveryTasks  int
	PendingRequests int
	SeenMessages    int
	DroppedEvents   uint64
}

// GetNetworkStats computes the current network statistics. Averages are
// zero when no peer is connected.
func (m *Manager) GetNetworkStats() NetworkStats {
	connected := m.connections.GetConnectedPeers()
	stats := NetworkStats{
		ConnectedPeers:       len(connected),
		TotalPeersDiscovered: m.routingTable.Len(),
	}
	if len(connected) == 0 {
		return stats
	}

	var latencySum, reliabilitySum float64
	measured := 0
	for _, p := range connected {
		reliabilitySum += p.Reliability
		if p.LatencyMs > 0 {
			latencySum += float64(p.LatencyMs)
			measured++
		}
	}
	stats.NetworkReliability = reliabilitySum / float64(len(connected))
	if measured > 0 {
		stats.AverageLatency = latencySum / float64(measured)
	}
	return stats
}

// GetDetailedNetworkInfo returns the running state together with network,
// routing table and router statistics.
func (m *Manager) GetDetailedNetworkInfo() NetworkInfo {
	return NetworkInfo{
		IsRunning:       m.IsRunning(),
		LocalID:         m.localID,
		Address:         m.transport.LocalAddr(),
		Stats:           m.GetNetworkStats(),
		DHT:             m.discovery.GetDHTStats(),
		Router:          m.router.Stats(),
		Lookups:         m.discovery.Lookups(),
		DiscoveryTasks:  m.discovery.ActiveTasks(),
		PendingRequests: m.rpc.Pending(),
		SeenMessages:    m.router.Seen().Len(),
		DroppedEvents:   m.bus.Dropped(),
	}
}
