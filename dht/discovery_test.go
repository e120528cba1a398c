package dht

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/transport"
)

var errUnreachable = errors.New("unreachable")

// fakeNetwork answers FindNode from per-node routing tables without any
// transport in between.
type fakeNetwork struct {
	mu      sync.Mutex
	tables  map[crypto.NodeID]*RoutingTable
	failing map[crypto.NodeID]bool
	delay   time.Duration
	queried []query
}

type query struct {
	peer   crypto.NodeID
	target crypto.NodeID
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		tables:  make(map[crypto.NodeID]*RoutingTable),
		failing: make(map[crypto.NodeID]bool),
	}
}

// node registers id and makes it know the given peers.
func (f *fakeNetwork) node(id crypto.NodeID, knows ...crypto.NodeID) {
	rt := NewRoutingTable(id, DefaultBucketSize)
	for _, k := range knows {
		_, _ = rt.AddPeer(testPeer(k))
	}
	f.mu.Lock()
	f.tables[id] = rt
	f.mu.Unlock()
}

func (f *fakeNetwork) FindNode(ctx context.Context, peer Peer, target crypto.NodeID) ([]Peer, error) {
	f.mu.Lock()
	f.queried = append(f.queried, query{peer: peer.ID, target: target})
	rt := f.tables[peer.ID]
	failing := f.failing[peer.ID]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing || rt == nil {
		return nil, errUnreachable
	}

	var result []Peer
	if p, ok := rt.GetPeer(target); ok {
		result = append(result, p)
	}
	return append(result, rt.FindClosestPeers(target, DefaultBucketSize)...), nil
}

// queriesFor returns the peers asked about target.
func (f *fakeNetwork) queriesFor(target crypto.NodeID) []crypto.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()

	var peers []crypto.NodeID
	for _, q := range f.queried {
		if q.target == target {
			peers = append(peers, q.peer)
		}
	}
	return peers
}

func quietConfig() *DiscoveryConfig {
	cfg := DefaultDiscoveryConfig()
	cfg.Maintenance = &MaintenanceConfig{
		RefreshInterval: time.Hour,
		PruneInterval:   time.Hour,
		PruneTimeout:    time.Hour,
	}
	return cfg
}

func newTestDiscovery(t *testing.T, local crypto.NodeID, q Querier, bus *events.Bus, cfg *DiscoveryConfig) *Discovery {
	t.Helper()
	d := NewDiscovery(NewRoutingTable(local, DefaultBucketSize), q, bus, cfg)
	t.Cleanup(d.Stop)
	return d
}

func containsID(peers []Peer, id crypto.NodeID) bool {
	for _, p := range peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestLookupRequiresRunning(t *testing.T) {
	d := newTestDiscovery(t, idFrom(0x01), newFakeNetwork(), nil, quietConfig())

	_, err := d.LookupPeers(context.Background(), idFrom(0x02))
	assert.ErrorIs(t, err, ErrDiscoveryStopped)
}

func TestLookupWalksTowardTarget(t *testing.T) {
	local, b, c, target := idFrom(0x00, 0x01), idFrom(0x80), idFrom(0xE0), idFrom(0xF0)

	net := newFakeNetwork()
	net.node(b, c)
	net.node(c, target)
	net.node(target)

	d := newTestDiscovery(t, local, net, nil, quietConfig())
	_, err := d.AddPeer(testPeer(b))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	peers, err := d.LookupPeers(context.Background(), target)
	require.NoError(t, err)

	require.NotEmpty(t, peers)
	assert.Equal(t, target, peers[0].ID)
	assert.True(t, containsID(peers, c))
	assert.True(t, d.RoutingTable().HasPeer(target), "discovered peers are merged into the table")
	assert.True(t, d.RoutingTable().HasPeer(c))
}

func TestLookupStampsPeersWithTableClock(t *testing.T) {
	local, b, target := idFrom(0x00, 0x01), idFrom(0x80), idFrom(0xF0)

	net := newFakeNetwork()
	net.node(b, target)
	net.node(target)

	clock := crypto.NewManualTimeProvider(time.Unix(5000, 0))
	d := newTestDiscovery(t, local, net, nil, quietConfig())
	d.RoutingTable().SetTimeProvider(clock)

	old := testPeer(b)
	old.LastSeen = time.Unix(100, 0)
	_, err := d.AddPeer(old)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	clock.Advance(time.Minute)
	_, err = d.LookupPeers(context.Background(), target)
	require.NoError(t, err)

	p, ok := d.RoutingTable().GetPeer(b)
	require.True(t, ok)
	assert.Equal(t, time.Unix(5060, 0), p.LastSeen)
}

func TestLookupResultsSortedByDistance(t *testing.T) {
	local := idFrom(0x00, 0x01)
	target := idFrom(0x55, 0x55)

	net := newFakeNetwork()
	var all []crypto.NodeID
	for i := 1; i <= 30; i++ {
		all = append(all, idFrom(byte(i*7), byte(i)))
	}
	for _, id := range all {
		net.node(id, all...)
	}

	d := newTestDiscovery(t, local, net, nil, quietConfig())
	_, err := d.AddPeer(testPeer(all[0]))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	peers, err := d.LookupPeers(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, peers)
	for i := 1; i < len(peers); i++ {
		assert.False(t, crypto.CloserTo(target, peers[i].ID, peers[i-1].ID))
	}
}

func TestLookupToleratesFailures(t *testing.T) {
	local, bad, good, target := idFrom(0x00, 0x01), idFrom(0xC0), idFrom(0x80), idFrom(0xF0)

	net := newFakeNetwork()
	net.node(bad)
	net.node(good, target)
	net.node(target)
	net.failing[bad] = true

	d := newTestDiscovery(t, local, net, nil, quietConfig())
	for _, id := range []crypto.NodeID{bad, good} {
		_, err := d.AddPeer(testPeer(id))
		require.NoError(t, err)
	}
	require.NoError(t, d.Start())

	peers, err := d.LookupPeers(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, containsID(peers, target))

	p, ok := d.RoutingTable().GetPeer(bad)
	require.True(t, ok)
	assert.Less(t, p.Reliability, DefaultReliability)
}

func TestLookupWithEmptyTable(t *testing.T) {
	d := newTestDiscovery(t, idFrom(0x01), newFakeNetwork(), nil, quietConfig())
	require.NoError(t, d.Start())

	peers, err := d.LookupPeers(context.Background(), idFrom(0x02))
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestLookupQueriesAtMostAlphaPerRound(t *testing.T) {
	local, target := idFrom(0x00, 0x01), idFrom(0xFF)

	net := newFakeNetwork()
	cfg := quietConfig()
	cfg.MaxRounds = 1

	d := newTestDiscovery(t, local, net, nil, cfg)
	for i := 1; i <= 10; i++ {
		id := idFrom(byte(i))
		net.node(id)
		_, err := d.AddPeer(testPeer(id))
		require.NoError(t, err)
	}
	require.NoError(t, d.Start())

	_, err := d.LookupPeers(context.Background(), target)
	require.NoError(t, err)
	assert.Len(t, net.queriesFor(target), cfg.Alpha)
}

func TestLookupTimeout(t *testing.T) {
	local, slow := idFrom(0x00, 0x01), idFrom(0x80)

	net := newFakeNetwork()
	net.node(slow)
	net.delay = time.Second

	cfg := quietConfig()
	cfg.LookupTimeout = 50 * time.Millisecond

	d := newTestDiscovery(t, local, net, nil, cfg)
	_, err := d.AddPeer(testPeer(slow))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	start := time.Now()
	peers, err := d.LookupPeers(context.Background(), idFrom(0xF0))
	assert.ErrorIs(t, err, ErrLookupTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, containsID(peers, slow), "candidates found before the deadline are returned")
}

func TestStopCancelsLookup(t *testing.T) {
	local, slow := idFrom(0x00, 0x01), idFrom(0x80)

	net := newFakeNetwork()
	net.node(slow)
	net.delay = 5 * time.Second

	d := newTestDiscovery(t, local, net, nil, quietConfig())
	_, err := d.AddPeer(testPeer(slow))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	done := make(chan error, 1)
	go func() {
		_, err := d.LookupPeers(context.Background(), idFrom(0xF0))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDiscoveryStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup not cancelled by Stop")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	d := newTestDiscovery(t, idFrom(0x01), newFakeNetwork(), nil, quietConfig())

	require.NoError(t, d.Start())
	tasks := d.ActiveTasks()
	assert.Equal(t, 2, tasks)

	require.NoError(t, d.Start())
	assert.Equal(t, tasks, d.ActiveTasks())
	assert.True(t, d.IsRunning())

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())
	assert.Equal(t, 0, d.ActiveTasks())

	require.NoError(t, d.Start())
	assert.Equal(t, tasks, d.ActiveTasks())
}

func TestStartAddsBootstrapPeers(t *testing.T) {
	local, boot, other := idFrom(0x00, 0x01), idFrom(0x80), idFrom(0x40)

	net := newFakeNetwork()
	net.node(boot, other)
	net.node(other)

	cfg := quietConfig()
	cfg.BootstrapPeers = []Peer{testPeer(boot)}

	d := newTestDiscovery(t, local, net, nil, cfg)
	require.NoError(t, d.Start())

	assert.True(t, d.RoutingTable().HasPeer(boot))
	assert.Eventually(t, func() bool {
		return d.RoutingTable().HasPeer(other)
	}, time.Second, 10*time.Millisecond, "self lookup learns peers from the bootstrap node")
}

func TestDiscoveryPublishesPeerEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	sub := bus.Subscribe(context.Background())

	d := NewDiscovery(NewRoutingTable(crypto.NodeID{}, 1), newFakeNetwork(), bus, quietConfig())

	first, second := idFrom(0x80, 1), idFrom(0x80, 2)
	_, err := d.AddPeer(testPeer(first))
	require.NoError(t, err)
	_, err = d.AddPeer(testPeer(second))
	require.NoError(t, err)
	assert.True(t, d.RemovePeer(second))
	assert.False(t, d.RemovePeer(second))

	var got []events.Event
	for len(got) < 4 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("received %d events, want 4", len(got))
		}
	}

	assert.Equal(t, events.PeerAdded, got[0].Type)
	assert.Equal(t, first, got[0].PeerID)
	assert.Equal(t, events.PeerEvicted, got[1].Type)
	assert.Equal(t, first, got[1].PeerID)
	assert.Equal(t, events.PeerAdded, got[2].Type)
	assert.Equal(t, second, got[2].PeerID)
	assert.Equal(t, events.PeerRemoved, got[3].Type)
}

func TestPruneRemovesStaleIdlePeers(t *testing.T) {
	d := newTestDiscovery(t, crypto.NodeID{}, newFakeNetwork(), nil, quietConfig())

	stale, connected, fresh := idFrom(0x10), idFrom(0x20), idFrom(0x30)
	now := time.Now()
	for _, id := range []crypto.NodeID{stale, connected} {
		p := testPeer(id)
		p.LastSeen = now.Add(-2 * time.Hour)
		_, err := d.AddPeer(p)
		require.NoError(t, err)
	}
	_, err := d.AddPeer(testPeer(fresh))
	require.NoError(t, err)
	require.NoError(t, d.RoutingTable().UpdatePeer(connected, func(p *Peer) { p.IsConnected = true }))

	d.Maintainer().SetTimeProvider(crypto.NewManualTimeProvider(now))
	assert.Equal(t, 1, d.Maintainer().Prune())

	assert.False(t, d.RoutingTable().HasPeer(stale))
	assert.True(t, d.RoutingTable().HasPeer(connected))
	assert.True(t, d.RoutingTable().HasPeer(fresh))
}

func TestGetDHTStats(t *testing.T) {
	local := idFrom(0x01)
	d := newTestDiscovery(t, local, newFakeNetwork(), nil, quietConfig())
	_, err := d.AddPeer(testPeer(idFrom(0x80)))
	require.NoError(t, err)

	stats := d.GetDHTStats()
	assert.Equal(t, 1, stats.TotalPeers)
	assert.Equal(t, 1, stats.ActiveBuckets)
	assert.Equal(t, 1.0, stats.AverageBucketSize)
	assert.Equal(t, local, stats.LocalNodeID)
}

// memoryNode is a discovery engine served over the in-memory network.
type memoryNode struct {
	id        crypto.NodeID
	transport *transport.MemoryTransport
	handler   *Handler
	discovery *Discovery
}

func newMemoryNode(t *testing.T, network *transport.MemoryNetwork, id crypto.NodeID, addr string) *memoryNode {
	t.Helper()
	tr, err := network.Listen(addr)
	require.NoError(t, err)

	rt := NewRoutingTable(id, DefaultBucketSize)
	rpc := transport.NewRPC(tr, transport.PeerInfo{ID: id})
	h := NewHandler(rpc, rt)
	cfg := quietConfig()
	cfg.RoundTimeout = 500 * time.Millisecond
	d := NewDiscovery(rt, h, nil, cfg)
	h.Observe(d)

	t.Cleanup(func() {
		d.Stop()
		_ = tr.Close()
	})
	return &memoryNode{id: id, transport: tr, handler: h, discovery: d}
}

func (n *memoryNode) peer() Peer {
	return *NewPeer(n.id, n.transport.LocalAddr(), "")
}

func TestLookupOverMemoryNetwork(t *testing.T) {
	network := transport.NewMemoryNetwork()

	a := newMemoryNode(t, network, idFrom(0x01), "a")
	b := newMemoryNode(t, network, idFrom(0x80), "b")
	c := newMemoryNode(t, network, idFrom(0xF0), "c")

	_, err := a.discovery.AddPeer(b.peer())
	require.NoError(t, err)
	_, err = b.discovery.AddPeer(c.peer())
	require.NoError(t, err)

	for _, n := range []*memoryNode{a, b, c} {
		require.NoError(t, n.discovery.Start())
	}

	peers, err := a.discovery.LookupPeers(context.Background(), c.id)
	require.NoError(t, err)
	require.True(t, containsID(peers, c.id))

	got, ok := a.discovery.RoutingTable().GetPeer(c.id)
	require.True(t, ok)
	assert.Equal(t, "c", got.Address)

	// b learned a from the incoming request
	assert.Eventually(t, func() bool {
		return b.discovery.RoutingTable().HasPeer(a.id)
	}, time.Second, 10*time.Millisecond)
}

func TestFindNodeExcludesRequester(t *testing.T) {
	network := transport.NewMemoryNetwork()

	a := newMemoryNode(t, network, idFrom(0x01), "a")
	b := newMemoryNode(t, network, idFrom(0x80), "b")

	_, err := b.discovery.AddPeer(a.peer())
	require.NoError(t, err)
	_, err = b.discovery.AddPeer(*NewPeer(idFrom(0x02), "x", ""))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	peers, err := a.handler.FindNode(ctx, b.peer(), a.id)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, idFrom(0x02), peers[0].ID)
}

func TestPingOverMemoryNetwork(t *testing.T) {
	network := transport.NewMemoryNetwork()

	a := newMemoryNode(t, network, idFrom(0x01), "a")
	b := newMemoryNode(t, network, idFrom(0x80), "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rtt, err := a.handler.Ping(ctx, b.peer())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	network.SetReachable("b", false)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = a.handler.Ping(ctx2, b.peer())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var pe *PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, b.id, pe.PeerID)
}
