package dht

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/transport"
)

// Querier asks a remote peer for the peers it knows closest to target.
type Querier interface {
	FindNode(ctx context.Context, peer Peer, target crypto.NodeID) ([]Peer, error)
}

// DiscoveryConfig holds configuration for the discovery engine.
type DiscoveryConfig struct {
	// Alpha is the number of peers queried in parallel per lookup round
	Alpha int
	// MaxRounds bounds the number of rounds of one lookup
	MaxRounds int
	// RoundTimeout bounds the wait for the responses of one round
	RoundTimeout time.Duration
	// LookupTimeout bounds a whole lookup
	LookupTimeout time.Duration
	// BootstrapPeers are added to the routing table on Start
	BootstrapPeers []Peer
	// Maintenance configures the refresh and prune routines
	Maintenance *MaintenanceConfig
}

// DefaultDiscoveryConfig returns sensible defaults for peer discovery.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		Alpha:         3,
		MaxRounds:     8,
		RoundTimeout:  2 * time.Second,
		LookupTimeout: 10 * time.Second,
		Maintenance:   DefaultMaintenanceConfig(),
	}
}

func (c *DiscoveryConfig) withDefaults() *DiscoveryConfig {
	def := DefaultDiscoveryConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Alpha <= 0 {
		out.Alpha = def.Alpha
	}
	if out.MaxRounds <= 0 {
		out.MaxRounds = def.MaxRounds
	}
	if out.RoundTimeout <= 0 {
		out.RoundTimeout = def.RoundTimeout
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = def.LookupTimeout
	}
	if out.Maintenance == nil {
		out.Maintenance = def.Maintenance
	}
	return &out
}

// DHTStats summarizes the discovery engine's view of the network.
type DHTStats struct {
	TotalPeers        int
	ActiveBuckets     int
	AverageBucketSize float64
	LocalNodeID       crypto.NodeID
}

// Discovery is the DHT engine: it owns the local identity's routing table,
// runs iterative lookups over it and publishes peer lifecycle events.
//
// Lifecycle is Stopped -> Running -> Stopped. Start while running and Stop
// while stopped are no-ops. Stop cancels in-flight lookups and background
// routines and waits for them to exit.
type Discovery struct {
	routingTable *RoutingTable
	querier      Querier
	bus          *events.Bus
	config       *DiscoveryConfig
	maintainer   *Maintainer

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	tasks   atomic.Int32
	lookups atomic.Uint64
}

// NewDiscovery creates a stopped discovery engine. bus may be nil.
func NewDiscovery(rt *RoutingTable, querier Querier, bus *events.Bus, config *DiscoveryConfig) *Discovery {
	d := &Discovery{
		routingTable: rt,
		querier:      querier,
		bus:          bus,
		config:       config.withDefaults(),
	}
	d.maintainer = newMaintainer(d, d.config.Maintenance)
	return d
}

// Start seeds the routing table from the bootstrap peers, launches a lookup
// of the local id and starts the maintenance routines.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	ctx := d.ctx
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Start",
		"local_id":        d.LocalID().Short(),
		"bootstrap_peers": len(d.config.BootstrapPeers),
	}).Info("Starting peer discovery")

	for _, p := range d.config.BootstrapPeers {
		if _, err := d.AddPeer(p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"peer_id":  p.ID.Short(),
				"error":    err.Error(),
			}).Warn("Skipping bootstrap peer")
		}
	}

	d.spawn(ctx, false, d.bootstrap)
	d.maintainer.start(ctx)
	return nil
}

// Stop cancels lookups and background routines and waits for them.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"local_id": d.LocalID().Short(),
	}).Info("Peer discovery stopped")
}

// IsRunning reports whether the engine is started.
func (d *Discovery) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// ActiveTasks returns the number of long-lived background routines running.
func (d *Discovery) ActiveTasks() int {
	return int(d.tasks.Load())
}

// LocalID returns the local node id.
func (d *Discovery) LocalID() crypto.NodeID {
	return d.routingTable.LocalID()
}

// RoutingTable returns the table the engine maintains.
func (d *Discovery) RoutingTable() *RoutingTable {
	return d.routingTable
}

// spawn runs fn in a goroutine tracked by the engine's WaitGroup. Long-lived
// routines are also counted by ActiveTasks.
func (d *Discovery) spawn(ctx context.Context, longLived bool, fn func(ctx context.Context)) {
	d.wg.Add(1)
	if longLived {
		d.tasks.Add(1)
	}
	go func() {
		defer d.wg.Done()
		if longLived {
			defer d.tasks.Add(-1)
		}
		fn(ctx)
	}()
}

func (d *Discovery) bootstrap(ctx context.Context) {
	if d.routingTable.Len() == 0 {
		return
	}
	if _, err := d.LookupPeers(ctx, d.LocalID()); err != nil && !errors.Is(err, ErrDiscoveryStopped) {
		logrus.WithFields(logrus.Fields{
			"function": "bootstrap",
			"error":    err.Error(),
		}).Warn("Bootstrap lookup incomplete")
	}
}

// AddPeer inserts or refreshes a peer and publishes PeerAdded / PeerEvicted.
func (d *Discovery) AddPeer(p Peer) (AddResult, error) {
	result, err := d.routingTable.AddPeer(p)
	if err != nil {
		return result, err
	}

	if result.Evicted != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddPeer",
			"evicted":  result.Evicted.ID.Short(),
			"added":    p.ID.Short(),
			"bucket":   d.routingTable.BucketIndex(p.ID),
		}).Info("Evicted least recently seen peer from full bucket")
		d.publish(events.Event{Type: events.PeerEvicted, PeerID: result.Evicted.ID, Address: result.Evicted.Address})
	}
	if result.Added {
		logrus.WithFields(logrus.Fields{
			"function": "AddPeer",
			"peer_id":  p.ID.Short(),
			"address":  p.Address,
		}).Debug("Peer added to routing table")
		d.publish(events.Event{Type: events.PeerAdded, PeerID: p.ID, Address: p.Address})
	}
	return result, nil
}

// RemovePeer removes a peer and publishes PeerRemoved. It is idempotent.
func (d *Discovery) RemovePeer(id crypto.NodeID) bool {
	removed, ok := d.routingTable.RemovePeer(id)
	if !ok {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "RemovePeer",
		"peer_id":  id.Short(),
	}).Debug("Peer removed from routing table")
	d.publish(events.Event{Type: events.PeerRemoved, PeerID: id, Address: removed.Address})
	return true
}

// ObservePeer records that a packet arrived from sender. Unknown senders are
// added to the routing table; known ones are refreshed.
func (d *Discovery) ObservePeer(sender transport.PeerInfo) {
	if _, err := d.AddPeer(*PeerFromInfo(sender)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ObservePeer",
			"address":  sender.Address,
			"error":    err.Error(),
		}).Debug("Ignoring observed sender")
	}
}

// LookupPeers performs an iterative lookup for target. Each round queries the
// Alpha closest candidates not yet queried; the lookup ends when a round
// brings no closer candidate, the target itself is found, no candidates are
// left or MaxRounds is reached. Every discovered peer is merged into the
// routing table. The result holds all candidates, closest first.
//
// Failed queries within a round are tolerated. When LookupTimeout elapses the
// candidates found so far are returned with ErrLookupTimeout.
func (d *Discovery) LookupPeers(ctx context.Context, target crypto.NodeID) ([]Peer, error) {
	d.mu.RLock()
	running := d.running
	runCtx := d.ctx
	d.mu.RUnlock()
	if !running {
		return nil, ErrDiscoveryStopped
	}

	started := time.Now()
	d.lookups.Add(1)

	lookupCtx, cancel := context.WithTimeout(ctx, d.config.LookupTimeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	seeds := d.routingTable.FindClosestPeers(target, d.config.Alpha)
	if p, ok := d.routingTable.GetPeer(target); ok {
		seeds = append([]Peer{p}, seeds...)
	}
	state := newLookupState(target, d.LocalID(), seeds)

	rounds := 0
	for ; rounds < d.config.MaxRounds && !state.found(); rounds++ {
		if lookupCtx.Err() != nil {
			break
		}

		batch := state.nextBatch(d.config.Alpha)
		if len(batch) == 0 {
			break
		}

		before, _ := state.closest()
		for _, p := range batch {
			state.markQueried(p.ID)
		}

		for _, peers := range d.queryRound(lookupCtx, target, batch) {
			for _, p := range peers {
				if p.ID == d.LocalID() {
					continue
				}
				if _, err := d.AddPeer(p); err != nil {
					continue
				}
			}
			state.merge(peers)
		}

		after, _ := state.closest()
		if !crypto.CloserTo(target, after.ID, before.ID) {
			break
		}
	}

	peers := state.peers()
	err := d.lookupError(ctx, runCtx, lookupCtx)

	logrus.WithFields(logrus.Fields{
		"function": "LookupPeers",
		"target":   target.Short(),
		"rounds":   rounds,
		"found":    len(peers),
		"duration": time.Since(started).String(),
	}).Debug("Lookup finished")

	ev := events.Event{
		Type:     events.LookupCompleted,
		PeerID:   target,
		Count:    len(peers),
		Duration: time.Since(started),
		Err:      err,
	}
	d.publish(ev)

	return peers, err
}

// lookupError classifies why a lookup ended early, if it did.
func (d *Discovery) lookupError(callerCtx, runCtx, lookupCtx context.Context) error {
	switch {
	case lookupCtx.Err() == nil:
		return nil
	case runCtx.Err() != nil:
		return ErrDiscoveryStopped
	case callerCtx.Err() != nil && !errors.Is(callerCtx.Err(), context.DeadlineExceeded):
		return callerCtx.Err()
	default:
		return ErrLookupTimeout
	}
}

// queryRound queries batch in parallel under one round deadline. Failed or
// late queries yield no peers.
func (d *Discovery) queryRound(ctx context.Context, target crypto.NodeID, batch []Peer) [][]Peer {
	roundCtx, cancel := context.WithTimeout(ctx, d.config.RoundTimeout)
	defer cancel()

	results := make([][]Peer, len(batch))

	var g errgroup.Group
	g.SetLimit(d.config.Alpha)
	for i, p := range batch {
		i, p := i, p
		g.Go(func() error {
			peers, err := d.querier.FindNode(roundCtx, p, target)
			d.recordQuery(p.ID, err == nil)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "queryRound",
					"peer_id":  p.ID.Short(),
					"target":   target.Short(),
					"error":    err.Error(),
				}).Debug("FindNode query failed")
				return nil
			}
			results[i] = peers
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// recordQuery folds the outcome of a query into the peer's reliability.
func (d *Discovery) recordQuery(id crypto.NodeID, success bool) {
	now := d.routingTable.Now()
	_ = d.routingTable.UpdatePeer(id, func(p *Peer) {
		p.Reliability = UpdateReliability(p.Reliability, success, DefaultEMAWeight)
		if success {
			p.LastSeen = now
		}
	})
}

// GetDHTStats returns the engine's view of the routing table.
func (d *Discovery) GetDHTStats() DHTStats {
	ts := d.routingTable.Stats()
	return DHTStats{
		TotalPeers:        ts.TotalPeers,
		ActiveBuckets:     ts.ActiveBuckets,
		AverageBucketSize: ts.AverageBucketSize,
		LocalNodeID:       d.LocalID(),
	}
}

// Lookups returns how many lookups have been started.
func (d *Discovery) Lookups() uint64 {
	return d.lookups.Load()
}

func (d *Discovery) publish(ev events.Event) {
	if d.bus != nil {
		d.bus.Publish(ev)
	}
}
