package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/events"
)

// healthCheckConcurrency bounds the pings in flight during one health check.
const healthCheckConcurrency = 8

// Pinger measures the round-trip time to a peer.
type Pinger interface {
	Ping(ctx context.Context, peer dht.Peer) (time.Duration, error)
}

// Connection is the manager's record of an established logical connection.
// Peer statistics live in the routing table; a Connection only refers to the
// peer by id.
type Connection struct {
	PeerID        crypto.NodeID
	Address       string
	IsActive      bool
	EstablishedAt time.Time
	LastActivity  time.Time
	// Failures counts consecutive failed exchanges
	Failures int
}

// dial is an in-flight connection attempt shared by concurrent callers.
type dial struct {
	done chan struct{}
	conn Connection
	err  error
}

// Manager establishes, tracks and health-checks connections to peers in a
// routing table.
type Manager struct {
	routingTable *dht.RoutingTable
	pinger       Pinger
	bus          *events.Bus
	config       *Config
	timeProvider crypto.TimeProvider

	mu          sync.RWMutex
	connections map[crypto.NodeID]*Connection
	dialing     map[crypto.NodeID]*dial
	// halted is set by Stop; no connection is stored until the next Start
	halted     bool
	dialCtx    context.Context
	cancelDial context.CancelFunc
	dials      sync.WaitGroup

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a connection manager over rt. bus may be nil. Peers
// that leave rt are disconnected as they leave.
func NewManager(rt *dht.RoutingTable, pinger Pinger, bus *events.Bus, config *Config) *Manager {
	m := &Manager{
		routingTable: rt,
		pinger:       pinger,
		bus:          bus,
		config:       config.withDefaults(),
		timeProvider: crypto.DefaultTimeProvider{},
		connections:  make(map[crypto.NodeID]*Connection),
		dialing:      make(map[crypto.NodeID]*dial),
	}
	m.dialCtx, m.cancelDial = context.WithCancel(context.Background())
	rt.OnDeparture(m.peerDeparted)
	return m
}

// SetTimeProvider sets the clock used to stamp connections.
func (m *Manager) SetTimeProvider(tp crypto.TimeProvider) {
	m.mu.Lock()
	m.timeProvider = crypto.OrDefault(tp)
	m.mu.Unlock()
}

func (m *Manager) now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timeProvider.Now()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return *m.config
}

// Start launches the health check loop and accepts new connections again
// after a Stop. It is a no-op while running.
func (m *Manager) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.mu.Lock()
	if m.halted {
		m.halted = false
		m.dialCtx, m.cancelDial = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	if m.config.HealthInterval > 0 {
		m.wg.Add(1)
		go m.healthRoutine(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Start",
		"health_interval": m.config.HealthInterval.String(),
	}).Info("Connection manager started")
}

// Stop halts the background loops, cancels dials in flight and waits for
// both. Until the next Start, Connect fails with ErrManagerStopped.
// Existing connections are kept; use DisconnectAll to drop them.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	if !m.running {
		m.lifecycle.Unlock()
		return
	}
	m.running = false
	m.cancel()

	m.mu.Lock()
	m.halted = true
	m.cancelDial()
	m.mu.Unlock()
	m.lifecycle.Unlock()

	m.dials.Wait()
	m.wg.Wait()
}

// IsRunning reports whether the background loops are active.
func (m *Manager) IsRunning() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.running
}

// Connect establishes a connection to the peer with the given id. The peer
// must be in the routing table. Connecting to an already connected peer
// returns the existing connection; concurrent calls for the same peer share
// one attempt.
func (m *Manager) Connect(ctx context.Context, id crypto.NodeID) (Connection, error) {
	peer, ok := m.routingTable.GetPeer(id)
	if !ok {
		return Connection{}, &dht.PeerError{Op: "connect", PeerID: id, Err: dht.ErrPeerNotFound}
	}

	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return Connection{}, &dht.PeerError{Op: "connect", PeerID: id, Err: ErrManagerStopped}
	}
	if c, ok := m.connections[id]; ok {
		conn := *c
		m.mu.Unlock()
		return conn, nil
	}
	if d, ok := m.dialing[id]; ok {
		m.mu.Unlock()
		select {
		case <-d.done:
			return d.conn, d.err
		case <-ctx.Done():
			return Connection{}, &dht.PeerError{Op: "connect", PeerID: id, Err: ctx.Err()}
		}
	}
	d := &dial{done: make(chan struct{})}
	m.dialing[id] = d
	m.dials.Add(1)
	stopCtx := m.dialCtx
	m.mu.Unlock()
	defer m.dials.Done()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(stopCtx, cancel)
	d.conn, d.err = m.dial(dialCtx, peer)
	stop()
	cancel()

	m.mu.Lock()
	delete(m.dialing, id)
	abandoned := m.halted && d.err == nil
	switch {
	case abandoned:
		d.conn, d.err = Connection{}, &dht.PeerError{Op: "connect", PeerID: id, Err: ErrManagerStopped}
	case d.err == nil:
		conn := d.conn
		m.connections[id] = &conn
	case m.halted:
		d.err = &dht.PeerError{Op: "connect", PeerID: id, Err: ErrManagerStopped}
	}
	m.mu.Unlock()
	if abandoned {
		_ = m.routingTable.UpdatePeer(id, func(p *dht.Peer) {
			p.IsConnected = false
		})
	}
	close(d.done)

	if d.err != nil {
		return Connection{}, d.err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"peer_id":  id.Short(),
		"address":  peer.Address,
	}).Info("Connected to peer")
	m.publish(events.Event{Type: events.PeerConnected, PeerID: id, Address: peer.Address})

	return d.conn, nil
}

// dial pings peer until it answers or the attempts run out, backing off
// between attempts.
func (m *Manager) dial(ctx context.Context, peer dht.Peer) (Connection, error) {
	var lastErr error
	for attempt := 0; attempt < m.config.ConnectRetries; attempt++ {
		rtt, err := m.attempt(ctx, peer)
		if err == nil {
			return m.establish(peer, rtt)
		}
		lastErr = err
		m.recordPeerFailure(peer.ID)

		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"peer_id":  peer.ID.Short(),
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Debug("Connection attempt failed")

		if ctx.Err() != nil {
			return Connection{}, &dht.PeerError{Op: "connect", PeerID: peer.ID, Err: ctx.Err()}
		}
		if attempt == m.config.ConnectRetries-1 {
			break
		}
		if err := waitBackoff(ctx, m.config.backoff(attempt)); err != nil {
			return Connection{}, &dht.PeerError{Op: "connect", PeerID: peer.ID, Err: err}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"peer_id":  peer.ID.Short(),
		"attempts": m.config.ConnectRetries,
		"error":    lastErr.Error(),
	}).Warn("Failed to connect to peer")

	return Connection{}, &dht.PeerError{
		Op:     "connect",
		PeerID: peer.ID,
		Err:    fmt.Errorf("%w after %d attempts: %v", ErrConnectionTimeout, m.config.ConnectRetries, lastErr),
	}
}

func (m *Manager) attempt(ctx context.Context, peer dht.Peer) (time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()
	return m.pinger.Ping(attemptCtx, peer)
}

// establish marks the peer connected in the routing table and builds the
// connection record.
func (m *Manager) establish(peer dht.Peer, rtt time.Duration) (Connection, error) {
	now := m.now()
	weight := m.config.EMAWeight

	err := m.routingTable.UpdatePeer(peer.ID, func(p *dht.Peer) {
		p.IsConnected = true
		p.ConnectionCount++
		p.LastSeen = now
		p.LatencyMs = dht.UpdateLatency(p.LatencyMs, int(rtt.Milliseconds()), weight)
		p.Reliability = dht.UpdateReliability(p.Reliability, true, weight)
	})
	if err != nil {
		// removed from the table while dialing
		return Connection{}, err
	}
	m.routingTable.Touch(peer.ID)

	return Connection{
		PeerID:        peer.ID,
		Address:       peer.Address,
		IsActive:      true,
		EstablishedAt: now,
		LastActivity:  now,
	}, nil
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect drops the connection to id and marks the peer disconnected. It
// reports whether a connection existed.
func (m *Manager) Disconnect(id crypto.NodeID) bool {
	return m.disconnect(id, "requested")
}

func (m *Manager) disconnect(id crypto.NodeID, reason string) bool {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	_ = m.routingTable.UpdatePeer(id, func(p *dht.Peer) {
		p.IsConnected = false
	})

	logrus.WithFields(logrus.Fields{
		"function": "disconnect",
		"peer_id":  id.Short(),
		"reason":   reason,
	}).Info("Disconnected from peer")
	m.publish(events.Event{Type: events.PeerDisconnected, PeerID: id, Address: conn.Address, Reason: reason})
	return true
}

// DisconnectAll drops every connection and returns how many there were.
func (m *Manager) DisconnectAll() int {
	m.mu.RLock()
	ids := make([]crypto.NodeID, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if m.disconnect(id, "shutdown") {
			n++
		}
	}
	return n
}

// IsConnected reports whether an active connection to id exists.
func (m *Manager) IsConnected(id crypto.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[id]
	return ok
}

// GetConnection returns a copy of the connection to id.
func (m *Manager) GetConnection(id crypto.NodeID) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Len returns the number of active connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// GetConnectedPeer returns the routing table record of a connected peer.
func (m *Manager) GetConnectedPeer(id crypto.NodeID) (dht.Peer, bool) {
	if !m.IsConnected(id) {
		return dht.Peer{}, false
	}
	return m.routingTable.GetPeer(id)
}

// GetConnectedPeers returns a snapshot of every peer with an active
// connection, ordered by id.
func (m *Manager) GetConnectedPeers() []dht.Peer {
	m.mu.RLock()
	ids := make([]crypto.NodeID, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	peers := make([]dht.Peer, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.routingTable.GetPeer(id); ok {
			peers = append(peers, p)
		}
	}
	return peers
}

// RecordSuccess folds a successful exchange with id into its statistics. A
// non-positive rtt leaves the latency untouched.
func (m *Manager) RecordSuccess(id crypto.NodeID, rtt time.Duration) {
	now := m.now()

	m.mu.Lock()
	if c, ok := m.connections[id]; ok {
		c.Failures = 0
		c.LastActivity = now
	}
	m.mu.Unlock()

	weight := m.config.EMAWeight
	_ = m.routingTable.UpdatePeer(id, func(p *dht.Peer) {
		p.LastSeen = now
		p.Reliability = dht.UpdateReliability(p.Reliability, true, weight)
		if rtt > 0 {
			p.LatencyMs = dht.UpdateLatency(p.LatencyMs, int(rtt.Milliseconds()), weight)
		}
	})
	m.routingTable.Touch(id)
}

// RecordFailure folds a failed exchange with id into its statistics and
// drops the connection once the peer looks dead. It reports whether the
// connection was dropped.
func (m *Manager) RecordFailure(id crypto.NodeID) bool {
	m.mu.Lock()
	failures := 0
	if c, ok := m.connections[id]; ok {
		c.Failures++
		failures = c.Failures
	}
	m.mu.Unlock()

	reliability := m.recordPeerFailure(id)

	switch {
	case failures >= m.config.MaxFailures:
		return m.disconnect(id, "unresponsive")
	case failures > 0 && reliability < m.config.MinReliability:
		return m.disconnect(id, "unreliable")
	default:
		return false
	}
}

// recordPeerFailure lowers the peer's reliability and returns the new score.
func (m *Manager) recordPeerFailure(id crypto.NodeID) float64 {
	reliability := 0.0
	weight := m.config.EMAWeight
	err := m.routingTable.UpdatePeer(id, func(p *dht.Peer) {
		p.Reliability = dht.UpdateReliability(p.Reliability, false, weight)
		reliability = p.Reliability
	})
	if errors.Is(err, dht.ErrPeerNotFound) {
		return 0
	}
	return reliability
}

// CheckHealth pings every connected peer once and records the outcomes. It
// returns the number of connections dropped.
func (m *Manager) CheckHealth(ctx context.Context) int {
	peers := m.GetConnectedPeers()
	if len(peers) == 0 {
		return 0
	}

	var (
		mu      sync.Mutex
		dropped int
	)

	var g errgroup.Group
	g.SetLimit(healthCheckConcurrency)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			rtt, err := m.attempt(ctx, p)
			if err == nil {
				m.RecordSuccess(p.ID, rtt)
				return nil
			}
			if m.RecordFailure(p.ID) {
				mu.Lock()
				dropped++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "CheckHealth",
		"checked":  len(peers),
		"dropped":  dropped,
	}).Debug("Connection health check complete")

	return dropped
}

func (m *Manager) healthRoutine(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// peerDeparted drops the connection to a peer that left the routing table.
func (m *Manager) peerDeparted(p dht.Peer, reason string) {
	m.disconnect(p.ID, reason)
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
