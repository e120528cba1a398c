package meshcore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/limits"
	"github.com/opd-ai/meshcore/messaging"
	"github.com/opd-ai/meshcore/transport"
)

func testOptions(tr transport.Transport) *Options {
	opts := NewOptions()
	opts.Transport = tr
	opts.StatsInterval = 0
	opts.Discovery.RoundTimeout = 500 * time.Millisecond
	opts.Discovery.LookupTimeout = 3 * time.Second
	opts.Discovery.Maintenance = &dht.MaintenanceConfig{
		RefreshInterval: time.Hour,
		PruneInterval:   time.Hour,
		PruneTimeout:    time.Hour,
	}
	opts.Connection.ConnectTimeout = 500 * time.Millisecond
	opts.Connection.HealthInterval = time.Hour
	return opts
}

// testNode is a manager on the in-memory network that records delivered
// messages.
type testNode struct {
	*Manager
	inbox chan *messaging.Message
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, addr string) *testNode {
	t.Helper()

	tr, err := network.Listen(addr)
	require.NoError(t, err)

	m, err := New(testOptions(tr))
	require.NoError(t, err)

	n := &testNode{Manager: m, inbox: make(chan *messaging.Message, 16)}
	m.OnMessage(func(msg *messaging.Message) { n.inbox <- msg })

	t.Cleanup(func() {
		_ = m.Close()
		_ = tr.Close()
	})
	return n
}

func (n *testNode) peer() dht.Peer {
	return *dht.NewPeer(n.LocalID(), n.Address(), n.KeyPair().PublicKeyHex())
}

func (n *testNode) receive(t *testing.T) *messaging.Message {
	t.Helper()
	select {
	case msg := <-n.inbox:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("node %s received nothing", n.LocalID().Short())
		return nil
	}
}

func waitForEvent(t *testing.T, sub *events.Subscription, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestNewIsStopped(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n := newTestNode(t, network, "a")

	assert.False(t, n.IsRunning())
	assert.False(t, n.LocalID().IsZero())
	assert.Equal(t, "a", n.Address())
	assert.Empty(t, n.DiscoverPeers())

	_, err := n.LookupPeers(context.Background(), n.LocalID())
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = n.BroadcastMessage(context.Background(), n.NewBroadcastMessage(messaging.Presence, nil))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestNewUsesGivenKeyPair(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := transport.NewMemoryNetwork().Listen("a")
	require.NoError(t, err)
	defer tr.Close()

	opts := testOptions(tr)
	opts.KeyPair = kp
	m, err := New(opts)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, kp.NodeID(), m.LocalID())
}

func TestStartTwiceDoesNotDuplicateTasks(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n := newTestNode(t, network, "a")

	require.NoError(t, n.Start())
	tasks := n.GetDetailedNetworkInfo().DiscoveryTasks
	assert.Equal(t, 2, tasks)

	require.NoError(t, n.Start())
	assert.True(t, n.IsRunning())
	assert.Equal(t, tasks, n.GetDetailedNetworkInfo().DiscoveryTasks)

	n.Stop()
	n.Stop()
	assert.False(t, n.IsRunning())
	assert.Equal(t, 0, n.GetDetailedNetworkInfo().DiscoveryTasks)
}

func TestConnectToUnknownPeer(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n := newTestNode(t, network, "a")
	require.NoError(t, n.Start())

	other, err := crypto.RandomNodeID()
	require.NoError(t, err)

	_, err = n.ConnectToPeer(context.Background(), other)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestConnectAndDisconnect(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	require.NoError(t, a.AddPeer(b.peer()))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	stats := a.GetNetworkStats()
	assert.Equal(t, NetworkStats{TotalPeersDiscovered: 1}, stats)

	conn, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)
	assert.True(t, conn.IsActive)

	connected := a.GetConnectedPeers()
	require.Len(t, connected, 1)
	assert.Equal(t, b.LocalID(), connected[0].ID)
	assert.True(t, connected[0].IsConnected)

	stats = a.GetNetworkStats()
	assert.Equal(t, 1, stats.ConnectedPeers)
	assert.Greater(t, stats.NetworkReliability, 0.0)
	assert.GreaterOrEqual(t, stats.AverageLatency, 0.0)

	assert.True(t, a.DisconnectFromPeer(b.LocalID()))
	assert.False(t, a.DisconnectFromPeer(b.LocalID()))
	assert.Empty(t, a.GetConnectedPeers())
}

func TestRemovePeerTearsDownConnection(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	// both tables are empty at start, so no bootstrap lookup can re-add b
	require.NoError(t, b.Start())
	require.NoError(t, a.Start())
	require.NoError(t, a.AddPeer(b.peer()))

	_, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)

	assert.True(t, a.RemovePeer(b.LocalID()))
	assert.Empty(t, a.GetConnectedPeers())
	assert.Empty(t, a.DiscoverPeers())
	assert.False(t, a.RemovePeer(b.LocalID()))
}

func TestDirectMessageOverLookup(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	c := newTestNode(t, network, "c")

	// a only knows b, b knows c
	require.NoError(t, a.AddPeer(b.peer()))
	require.NoError(t, b.AddPeer(c.peer()))
	for _, n := range []*testNode{a, b, c} {
		require.NoError(t, n.Start())
	}

	msg := a.NewDirectMessage(c.LocalID(), messaging.ChatMessage, []byte("hello c"))
	require.NoError(t, a.SendDirectMessage(context.Background(), msg))

	got := c.receive(t)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, a.LocalID(), got.From)
	assert.Equal(t, []byte("hello c"), got.Payload)

	_, known := a.GetPeer(c.LocalID())
	assert.True(t, known, "lookup merges discovered peers")
}

func TestDirectMessageToConnectedPeer(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	require.NoError(t, a.AddPeer(b.peer()))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	_, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)

	msg := a.NewDirectMessage(b.LocalID(), messaging.SyncRequest, []byte("sync"))
	require.NoError(t, a.SendDirectMessage(context.Background(), msg))
	assert.Equal(t, messaging.SyncRequest, b.receive(t).Type)
}

func TestBroadcastIsRelayed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	c := newTestNode(t, network, "c")

	require.NoError(t, a.AddPeer(b.peer()))
	require.NoError(t, b.AddPeer(c.peer()))
	for _, n := range []*testNode{a, b, c} {
		require.NoError(t, n.Start())
	}
	_, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)
	_, err = b.ConnectToPeer(context.Background(), c.LocalID())
	require.NoError(t, err)

	msg := a.NewBroadcastMessage(messaging.Presence, []byte("online"))
	sent, err := a.BroadcastMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Equal(t, msg.ID, b.receive(t).ID)
	relayed := c.receive(t)
	assert.Equal(t, msg.ID, relayed.ID)
	assert.Equal(t, limits.DefaultTTL-1, relayed.TTL)

	select {
	case dup := <-a.inbox:
		t.Fatalf("originator received its own broadcast %s", dup.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastRejectsRecipient(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	require.NoError(t, a.Start())

	other, err := crypto.RandomNodeID()
	require.NoError(t, err)

	_, err = a.BroadcastMessage(context.Background(), a.NewDirectMessage(other, messaging.ChatMessage, nil))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestStopKeepsRoutingTable(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	require.NoError(t, a.AddPeer(b.peer()))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	_, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)

	a.Stop()
	assert.Empty(t, a.GetConnectedPeers())
	assert.Len(t, a.DiscoverPeers(), 1)

	err = a.SendDirectMessage(context.Background(), a.NewDirectMessage(b.LocalID(), messaging.ChatMessage, nil))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, a.Start())
	assert.True(t, a.IsRunning())
	_, err = a.ConnectToPeer(context.Background(), b.LocalID())
	assert.NoError(t, err)
}

func TestSubscribeToNetwork(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	require.NoError(t, b.Start())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := a.SubscribeToNetwork(ctx)

	require.NoError(t, a.Start())
	started := waitForEvent(t, sub, events.NetworkStarted)
	assert.Equal(t, a.LocalID(), started.PeerID)

	require.NoError(t, a.AddPeer(b.peer()))
	assert.Equal(t, b.LocalID(), waitForEvent(t, sub, events.PeerAdded).PeerID)

	_, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)
	assert.Equal(t, b.LocalID(), waitForEvent(t, sub, events.PeerConnected).PeerID)

	a.Stop()
	waitForEvent(t, sub, events.PeerDisconnected)
	waitForEvent(t, sub, events.NetworkStopped)
}

func TestMetricsFollowEvents(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, a.AddPeer(b.peer()))
	_, err := a.ConnectToPeer(context.Background(), b.LocalID())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(a.Metrics().PeerEvents.WithLabelValues("peer_connected")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.updateMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().PeersConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().PeersKnown))
}

func TestCloseIsFinal(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	require.NoError(t, a.Start())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, a.IsRunning())
	assert.ErrorIs(t, a.Start(), ErrClosed)

	_, open := <-a.SubscribeToNetwork(context.Background()).Events()
	assert.False(t, open)
}

func TestGetDetailedNetworkInfo(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "a")
	b := newTestNode(t, network, "b")
	require.NoError(t, a.AddPeer(b.peer()))

	info := a.GetDetailedNetworkInfo()
	assert.False(t, info.IsRunning)
	assert.Equal(t, a.LocalID(), info.LocalID)
	assert.Equal(t, 1, info.DHT.TotalPeers)
	assert.Equal(t, a.LocalID(), info.DHT.LocalNodeID)
	assert.Equal(t, 1, info.Stats.TotalPeersDiscovered)

	require.NoError(t, a.Start())
	assert.True(t, a.GetDetailedNetworkInfo().IsRunning)
	assert.Equal(t, a.GetDHTStats(), a.GetDetailedNetworkInfo().DHT)
}

func TestParsePeerAddress(t *testing.T) {
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", id.String() + "@127.0.0.1:33445", false},
		{"valid with spaces", "  " + id.String() + "@node.example:1 ", false},
		{"missing separator", id.String(), true},
		{"missing address", id.String() + "@", true},
		{"short id", "abcd@127.0.0.1:1", true},
		{"missing port", id.String() + "@127.0.0.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePeerAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPeerAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, p.ID)
			assert.Equal(t, dht.DefaultReliability, p.Reliability)
		})
	}
}

func TestParsePeerAddresses(t *testing.T) {
	a, _ := crypto.RandomNodeID()
	b, _ := crypto.RandomNodeID()

	list := strings.Join([]string{a.String() + "@10.0.0.1:1", "", b.String() + "@10.0.0.2:2"}, ",")
	peers, err := ParsePeerAddresses(list)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "10.0.0.2:2", peers[1].Address)

	peers, err = ParsePeerAddresses("")
	assert.NoError(t, err)
	assert.Empty(t, peers)

	_, err = ParsePeerAddresses(a.String() + "@10.0.0.1:1,bogus")
	assert.ErrorIs(t, err, ErrInvalidPeerAddress)
}

func TestPeerAddressRoundTrip(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "127.0.0.1:4000")

	p, err := ParsePeerAddress(a.PeerAddress())
	require.NoError(t, err)
	assert.Equal(t, a.LocalID(), p.ID)
	assert.Equal(t, "127.0.0.1:4000", p.Address)
}

func TestOptionsDefaults(t *testing.T) {
	var nilOpts *Options
	opts := nilOpts.withDefaults()
	assert.Equal(t, DefaultListenAddr, opts.ListenAddr)
	assert.Equal(t, dht.DefaultBucketSize, opts.BucketSize)
	assert.NotNil(t, opts.Discovery)
	assert.NotNil(t, opts.Connection)
	assert.NotNil(t, opts.Router)

	custom := &Options{BucketSize: 8, StatsInterval: -time.Second}
	opts = custom.withDefaults()
	assert.Equal(t, 8, opts.BucketSize)
	assert.Equal(t, time.Duration(0), opts.StatsInterval)
	assert.NotNil(t, opts.TimeProvider)
	assert.Nil(t, custom.Discovery, "the caller's options are not modified")
}
