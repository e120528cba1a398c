package meshcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/connection"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/messaging"
	"github.com/opd-ai/meshcore/metrics"
	"github.com/opd-ai/meshcore/transport"
)

// Manager coordinates the routing table, peer discovery, connections and
// message routing of one overlay node.
type Manager struct {
	options *Options
	keyPair *crypto.KeyPair
	localID crypto.NodeID

	transport     transport.Transport
	ownsTransport bool
	rpc           *transport.RPC
	bus           *events.Bus
	metrics       *metrics.Metrics

	routingTable *dht.RoutingTable
	handler      *dht.Handler
	discovery    *dht.Discovery
	connections  *connection.Manager
	router       *messaging.Router

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped manager. The transport is bound immediately so the
// node's address is known before Start.
func New(options *Options) (*Manager, error) {
	opts := options.withDefaults()

	logger := crypto.NewLogger("meshcore", "New")

	keyPair := opts.KeyPair
	if keyPair == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			logger.WithError(err, "generate key pair").Error("Failed to create identity")
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		keyPair = kp
	}
	localID := keyPair.NodeID()

	tr := opts.Transport
	ownsTransport := false
	if tr == nil {
		udp, err := transport.NewUDPTransport(opts.ListenAddr)
		if err != nil {
			logger.WithError(err, "listen").WithField("listen_addr", opts.ListenAddr).Error("Failed to open transport")
			return nil, fmt.Errorf("open transport on %s: %w", opts.ListenAddr, err)
		}
		tr = udp
		ownsTransport = true
	}

	self := transport.PeerInfo{ID: localID, PublicKey: keyPair.PublicKeyHex()}
	rpc := transport.NewRPC(tr, self)
	bus := events.NewBus(opts.EventBuffer)

	rt := dht.NewRoutingTable(localID, opts.BucketSize)
	rt.SetTimeProvider(opts.TimeProvider)

	discoveryConfig := *opts.Discovery
	discoveryConfig.BootstrapPeers = append(append([]dht.Peer(nil), discoveryConfig.BootstrapPeers...), opts.BootstrapPeers...)

	handler := dht.NewHandler(rpc, rt)
	discovery := dht.NewDiscovery(rt, handler, bus, &discoveryConfig)
	discovery.Maintainer().SetTimeProvider(opts.TimeProvider)
	handler.Observe(discovery)

	conns := connection.NewManager(rt, handler, bus, opts.Connection)
	conns.SetTimeProvider(opts.TimeProvider)

	router, err := messaging.NewRouter(localID, conns, discovery, messaging.NewRPCDelivery(rpc), bus, opts.Router)
	if err != nil {
		if ownsTransport {
			_ = tr.Close()
		}
		return nil, err
	}
	router.Attach(rpc)

	m := &Manager{
		options:       opts,
		keyPair:       keyPair,
		localID:       localID,
		transport:     tr,
		ownsTransport: ownsTransport,
		rpc:           rpc,
		bus:           bus,
		metrics:       metrics.New(opts.MetricsNamespace),
		routingTable:  rt,
		handler:       handler,
		discovery:     discovery,
		connections:   conns,
		router:        router,
	}

	logger.WithPeer("local_id", localID).WithField("address", tr.LocalAddr()).Info("P2P manager created")
	return m, nil
}

// Start starts peer discovery, the connection health checks and the metric
// loops. Calling Start on a running manager is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.discovery.Start(); err != nil {
		cancel()
		return fmt.Errorf("start discovery: %w", err)
	}
	m.connections.Start()

	sub := m.bus.Subscribe(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.metrics.Consume(ctx, sub)
	}()
	if m.options.StatsInterval > 0 {
		m.wg.Add(1)
		go m.statsRoutine(ctx)
	}

	m.cancel = cancel
	m.running = true
	m.bus.Publish(events.Event{Type: events.NetworkStarted, PeerID: m.localID, Address: m.transport.LocalAddr()})

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"local_id": m.localID.Short(),
		"address":  m.transport.LocalAddr(),
	}).Info("P2P manager started")
	return nil
}

// Stop tears down every connection, stops discovery and the background
// loops, and forgets seen message ids. Known peers stay in the routing
// table. Calling Stop on a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	m.discovery.Stop()
	m.connections.Stop()
	dropped := m.connections.DisconnectAll()
	m.router.Reset()

	m.cancel()
	m.wg.Wait()

	m.bus.Publish(events.Event{Type: events.NetworkStopped, PeerID: m.localID, Count: dropped})

	logrus.WithFields(logrus.Fields{
		"function":     "Stop",
		"local_id":     m.localID.Short(),
		"disconnected": dropped,
	}).Info("P2P manager stopped")
}

// Close stops the manager, closes every event subscription and releases
// the transport if the manager opened it.
func (m *Manager) Close() error {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	m.bus.Close()
	if m.ownsTransport {
		return m.transport.Close()
	}
	return nil
}

// IsRunning reports whether the manager is started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) checkRunning() error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// LocalID returns the local node id.
func (m *Manager) LocalID() crypto.NodeID {
	return m.localID
}

// KeyPair returns the local identity.
func (m *Manager) KeyPair() *crypto.KeyPair {
	return m.keyPair
}

// Address returns the transport's local address.
func (m *Manager) Address() string {
	return m.transport.LocalAddr()
}

// Metrics returns the node's Prometheus collectors.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// RoutingTable returns the routing table.
func (m *Manager) RoutingTable() *dht.RoutingTable {
	return m.routingTable
}

// AddPeer adds or refreshes a peer in the routing table. A peer displaced
// from a full bucket loses its connection.
func (m *Manager) AddPeer(peer dht.Peer) error {
	_, err := m.discovery.AddPeer(peer)
	return err
}

// RemovePeer tears down any connection to the peer and removes it from the
// routing table. It reports whether the peer was known.
func (m *Manager) RemovePeer(id crypto.NodeID) bool {
	return m.discovery.RemovePeer(id)
}

// GetPeer returns a copy of a known peer.
func (m *Manager) GetPeer(id crypto.NodeID) (dht.Peer, bool) {
	return m.routingTable.GetPeer(id)
}

// DiscoverPeers returns every peer in the routing table.
func (m *Manager) DiscoverPeers() []dht.Peer {
	return m.routingTable.GetAllPeers()
}

// LookupPeers runs an iterative lookup for target.
func (m *Manager) LookupPeers(ctx context.Context, target crypto.NodeID) ([]dht.Peer, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	return m.discovery.LookupPeers(ctx, target)
}

// ConnectToPeer connects to a peer in the routing table.
func (m *Manager) ConnectToPeer(ctx context.Context, id crypto.NodeID) (connection.Connection, error) {
	if err := m.checkRunning(); err != nil {
		return connection.Connection{}, err
	}
	return m.connections.Connect(ctx, id)
}

// DisconnectFromPeer drops the connection to a peer, if any.
func (m *Manager) DisconnectFromPeer(id crypto.NodeID) bool {
	return m.connections.Disconnect(id)
}

// GetConnectedPeers returns the connected peers ordered by id.
func (m *Manager) GetConnectedPeers() []dht.Peer {
	return m.connections.GetConnectedPeers()
}

// NewDirectMessage creates a message from the local node to to.
func (m *Manager) NewDirectMessage(to crypto.NodeID, msgType messaging.MessageType, payload []byte) *messaging.Message {
	return messaging.NewDirectMessage(m.localID, to, msgType, payload)
}

// NewBroadcastMessage creates a broadcast from the local node.
func (m *Manager) NewBroadcastMessage(msgType messaging.MessageType, payload []byte) *messaging.Message {
	return messaging.NewBroadcastMessage(m.localID, msgType, payload)
}

// SendDirectMessage routes msg to its recipient.
func (m *Manager) SendDirectMessage(ctx context.Context, msg *messaging.Message) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	return m.router.SendDirectMessage(ctx, msg)
}

// BroadcastMessage sends msg to every connected peer and returns how many
// accepted it.
func (m *Manager) BroadcastMessage(ctx context.Context, msg *messaging.Message) (int, error) {
	if err := m.checkRunning(); err != nil {
		return 0, err
	}
	return m.router.BroadcastMessage(ctx, msg)
}

// OnMessage sets the function receiving messages delivered to the local
// node. It replaces any previous one.
func (m *Manager) OnMessage(fn func(msg *messaging.Message)) {
	if fn == nil {
		m.router.SetDeliverer(nil)
		return
	}
	m.router.SetDeliverer(messaging.DelivererFunc(fn))
}

// SubscribeToNetwork returns a stream of connection, discovery and message
// events. The subscription ends when ctx is done, on Cancel, or on Close.
func (m *Manager) SubscribeToNetwork(ctx context.Context) *events.Subscription {
	return m.bus.Subscribe(ctx)
}

// GetDHTStats summarizes the routing table.
func (m *Manager) GetDHTStats() dht.DHTStats {
	return m.discovery.GetDHTStats()
}

func (m *Manager) statsRoutine(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.StatsInterval)
	defer ticker.Stop()

	m.updateMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateMetrics()
		}
	}
}

func (m *Manager) updateMetrics() {
	stats := m.GetNetworkStats()
	m.metrics.Update(metrics.Snapshot{
		KnownPeers:       stats.TotalPeersDiscovered,
		ConnectedPeers:   stats.ConnectedPeers,
		ActiveBuckets:    m.routingTable.Stats().ActiveBuckets,
		AverageLatencyMs: stats.AverageLatency,
		Reliability:      stats.NetworkReliability,
		PendingRequests:  m.rpc.Pending(),
	})
}
