package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opd-ai/meshcore/connection"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/interfaces"
)

// maxNextHops bounds the relays tried for a recipient that is not directly
// connected.
const maxNextHops = 3

// ConnectionProvider is the router's view of the connection manager.
type ConnectionProvider interface {
	GetConnectedPeers() []dht.Peer
	GetConnectedPeer(id crypto.NodeID) (dht.Peer, bool)
	Connect(ctx context.Context, id crypto.NodeID) (connection.Connection, error)
	RecordSuccess(id crypto.NodeID, rtt time.Duration)
	RecordFailure(id crypto.NodeID) bool
}

// PeerLookup finds peers close to a target id.
type PeerLookup interface {
	LookupPeers(ctx context.Context, target crypto.NodeID) ([]dht.Peer, error)
}

// Deliverer receives messages addressed to the local node or broadcast to
// everyone.
type Deliverer interface {
	Deliver(msg *Message)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(msg *Message)

// Deliver calls f.
func (f DelivererFunc) Deliver(msg *Message) {
	f(msg)
}

// RouterConfig holds configuration for the message router.
type RouterConfig struct {
	Delivery interfaces.PacketDeliveryConfig
	// SeenCapacity bounds the duplicate-suppression set
	SeenCapacity int
	// SeenRetention is how long a message id is remembered
	SeenRetention time.Duration
}

// DefaultRouterConfig returns sensible defaults for message routing.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Delivery:      interfaces.DefaultPacketDeliveryConfig(),
		SeenCapacity:  DefaultSeenCapacity,
		SeenRetention: DefaultSeenRetention,
	}
}

// RouterStats counts what the router did with messages.
type RouterStats struct {
	Sent             uint64
	Delivered        uint64
	Forwarded        uint64
	DroppedDuplicate uint64
	DroppedTTL       uint64
	DroppedInvalid   uint64
	RateLimited      uint64
	SendFailures     uint64
}

type routerCounters struct {
	sent             atomic.Uint64
	delivered        atomic.Uint64
	forwarded        atomic.Uint64
	droppedDuplicate atomic.Uint64
	droppedTTL       atomic.Uint64
	droppedInvalid   atomic.Uint64
	rateLimited      atomic.Uint64
	sendFailures     atomic.Uint64
}

// Router sends, relays and locally delivers overlay messages. It keeps no
// peer state of its own: paths come from the connection manager and the
// discovery engine, and only the set of recently seen message ids is owned
// here.
type Router struct {
	localID     crypto.NodeID
	connections ConnectionProvider
	lookup      PeerLookup
	delivery    interfaces.IPacketDelivery
	bus         *events.Bus
	config      *RouterConfig
	seen        *SeenSet

	limitersMu sync.Mutex
	limiters   map[crypto.NodeID]*rate.Limiter

	delivererMu sync.RWMutex
	deliverer   Deliverer

	counters routerCounters
}

// NewRouter creates a router for the local node. bus may be nil.
func NewRouter(localID crypto.NodeID, connections ConnectionProvider, lookup PeerLookup,
	delivery interfaces.IPacketDelivery, bus *events.Bus, config *RouterConfig,
) (*Router, error) {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if err := config.Delivery.Validate(); err != nil {
		return nil, fmt.Errorf("router config: %w", err)
	}

	return &Router{
		localID:     localID,
		connections: connections,
		lookup:      lookup,
		delivery:    delivery,
		bus:         bus,
		config:      config,
		seen:        NewSeenSet(config.SeenCapacity, config.SeenRetention),
		limiters:    make(map[crypto.NodeID]*rate.Limiter),
	}, nil
}

// SetDeliverer sets the consumer of locally delivered messages.
func (r *Router) SetDeliverer(d Deliverer) {
	r.delivererMu.Lock()
	r.deliverer = d
	r.delivererMu.Unlock()
}

// Seen returns the duplicate-suppression set.
func (r *Router) Seen() *SeenSet {
	return r.seen
}

// Reset forgets seen message ids and per-peer rate limit state.
func (r *Router) Reset() {
	r.seen.Clear()
	r.limitersMu.Lock()
	r.limiters = make(map[crypto.NodeID]*rate.Limiter)
	r.limitersMu.Unlock()
}

// BroadcastMessage sends msg to every connected peer and returns how many
// accepted it. msg must have no recipient.
func (r *Router) BroadcastMessage(ctx context.Context, msg *Message) (int, error) {
	if msg == nil {
		return 0, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !msg.IsBroadcast() {
		return 0, fmt.Errorf("%w: broadcast addressed to %s", ErrInvalidMessage, msg.To.Short())
	}
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	r.seen.MarkSeen(msg.ID)

	peers := r.connections.GetConnectedPeers()
	sent := r.fanOut(ctx, msg, peers, crypto.NodeID{})

	logrus.WithFields(logrus.Fields{
		"function":   "BroadcastMessage",
		"message_id": msg.ID,
		"type":       msg.Type.String(),
		"peers":      len(peers),
		"sent":       sent,
	}).Debug("Broadcast message")
	r.publish(events.Event{Type: events.MessageSent, MessageID: msg.ID, Reason: "broadcast", Count: sent})

	return sent, nil
}

// SendDirectMessage delivers msg to its recipient. A directly connected
// recipient gets it immediately. Otherwise the recipient is looked up and
// the message handed to it, or to the closest discovered peer that is closer
// to it than the local node.
func (r *Router) SendDirectMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.IsBroadcast() {
		return fmt.Errorf("%w: direct message without recipient", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	to := *msg.To
	r.seen.MarkSeen(msg.ID)

	if to == r.localID {
		r.deliverLocal(msg)
		return nil
	}

	if peer, ok := r.connections.GetConnectedPeer(to); ok {
		if err := r.send(ctx, peer, msg); err != nil {
			return err
		}
		r.publish(events.Event{Type: events.MessageSent, MessageID: msg.ID, PeerID: to, Reason: "direct", Count: 1})
		return nil
	}

	hop, err := r.routeVia(ctx, msg)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendDirectMessage",
		"message_id": msg.ID,
		"to":         to.Short(),
		"via":        hop.Short(),
	}).Debug("Routed direct message")
	r.publish(events.Event{Type: events.MessageSent, MessageID: msg.ID, PeerID: to, Reason: "direct", Count: 1})
	return nil
}

// routeVia looks up the recipient and sends msg to the first reachable peer
// among the recipient itself and the discovered peers closer to it than the
// local node. It returns the peer used.
func (r *Router) routeVia(ctx context.Context, msg *Message) (crypto.NodeID, error) {
	to := *msg.To

	found, err := r.lookup.LookupPeers(ctx, to)
	if err != nil && !errors.Is(err, dht.ErrLookupTimeout) {
		return crypto.NodeID{}, err
	}

	candidates := nextHops(r.localID, to, found)
	if len(candidates) == 0 {
		return crypto.NodeID{}, fmt.Errorf("%w: no peer closer to %s", ErrUnreachablePeer, to.Short())
	}

	var lastErr error
	for _, p := range candidates {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if _, err := r.connections.Connect(ctx, p.ID); err != nil {
			lastErr = err
			continue
		}
		if err := r.send(ctx, p, msg); err != nil {
			lastErr = err
			continue
		}
		return p.ID, nil
	}
	return crypto.NodeID{}, fmt.Errorf("%w: %s: %v", ErrUnreachablePeer, to.Short(), lastErr)
}

// nextHops picks the recipient itself when discovered, otherwise the peers
// closer to it than local, closest first.
func nextHops(local, to crypto.NodeID, found []dht.Peer) []dht.Peer {
	var hops []dht.Peer
	for _, p := range found {
		if p.ID == to {
			return []dht.Peer{p}
		}
		if p.ID != local && crypto.CloserTo(to, p.ID, local) {
			hops = append(hops, p)
		}
	}
	sort.SliceStable(hops, func(i, j int) bool {
		return crypto.CloserTo(to, hops[i].ID, hops[j].ID)
	})
	if len(hops) > maxNextHops {
		hops = hops[:maxNextHops]
	}
	return hops
}

// HandleIncomingMessage processes a message received from the peer from. It
// never fails: malformed, duplicate and expired messages are dropped and
// only show up in the statistics and the event stream.
//
// Messages for the local node are delivered. Broadcasts are delivered and,
// while their TTL allows, relayed with TTL-1 to every connected peer except
// from. Messages for other nodes are relayed the same way, straight to the
// recipient when it is connected.
func (r *Router) HandleIncomingMessage(ctx context.Context, msg *Message, from crypto.NodeID) {
	if msg == nil {
		r.drop(nil, from, "invalid", &r.counters.droppedInvalid)
		return
	}
	if err := msg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleIncomingMessage",
			"from":     from.Short(),
			"error":    err.Error(),
		}).Debug("Dropping invalid message")
		r.drop(msg, from, "invalid", &r.counters.droppedInvalid)
		return
	}
	if !from.IsZero() {
		r.connections.RecordSuccess(from, 0)
	}
	if !r.seen.MarkSeen(msg.ID) {
		r.drop(msg, from, "duplicate", &r.counters.droppedDuplicate)
		return
	}

	if msg.IsFor(r.localID) {
		r.deliverLocal(msg)
		return
	}
	if msg.IsBroadcast() {
		r.deliverLocal(msg)
	}

	if msg.TTL == 0 {
		r.drop(msg, from, "ttl_expired", &r.counters.droppedTTL)
		return
	}
	if !r.allowForward(from) {
		r.drop(msg, from, "rate_limited", &r.counters.rateLimited)
		return
	}

	r.forward(ctx, msg.withTTL(msg.TTL-1), from)
}

// forward relays msg, which already carries its decremented TTL.
func (r *Router) forward(ctx context.Context, msg *Message, from crypto.NodeID) {
	if !msg.IsBroadcast() {
		if peer, ok := r.connections.GetConnectedPeer(*msg.To); ok && peer.ID != from {
			if err := r.send(ctx, peer, msg); err == nil {
				r.counters.forwarded.Add(1)
				return
			}
		}
	}

	n := r.fanOut(ctx, msg, r.connections.GetConnectedPeers(), from)
	r.counters.forwarded.Add(uint64(n))

	logrus.WithFields(logrus.Fields{
		"function":   "forward",
		"message_id": msg.ID,
		"from":       from.Short(),
		"ttl":        msg.TTL,
		"relayed":    n,
	}).Debug("Relayed message")
}

func (r *Router) deliverLocal(msg *Message) {
	r.delivererMu.RLock()
	d := r.deliverer
	r.delivererMu.RUnlock()

	r.counters.delivered.Add(1)
	r.publish(events.Event{Type: events.MessageReceived, MessageID: msg.ID, PeerID: msg.From})

	if d != nil {
		d.Deliver(msg)
	}
}

func (r *Router) drop(msg *Message, from crypto.NodeID, reason string, counter *atomic.Uint64) {
	counter.Add(1)

	ev := events.Event{Type: events.MessageDropped, PeerID: from, Reason: reason}
	if msg != nil {
		ev.MessageID = msg.ID
	}
	r.publish(ev)
}

// allowForward applies the per-peer relay rate limit.
func (r *Router) allowForward(from crypto.NodeID) bool {
	limit := r.config.Delivery.ForwardRate
	if limit <= 0 || from.IsZero() {
		return true
	}

	r.limitersMu.Lock()
	l, ok := r.limiters[from]
	if !ok {
		l = rate.NewLimiter(rate.Limit(limit), r.config.Delivery.ForwardBurst)
		r.limiters[from] = l
	}
	r.limitersMu.Unlock()

	return l.Allow()
}

// fanOut sends msg to every peer except exclude, in parallel, and returns
// the number of successful sends.
func (r *Router) fanOut(ctx context.Context, msg *Message, peers []dht.Peer, exclude crypto.NodeID) int {
	var sent atomic.Int64

	var g errgroup.Group
	g.SetLimit(r.config.Delivery.MaxParallel)
	for _, p := range peers {
		if p.ID == exclude || p.ID == msg.From {
			continue
		}
		p := p
		g.Go(func() error {
			if err := r.send(ctx, p, msg); err == nil {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(sent.Load())
}

// send encodes msg and hands it to the delivery layer for one peer.
func (r *Router) send(ctx context.Context, peer dht.Peer, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.config.Delivery.SendTimeout)
	defer cancel()

	if err := r.delivery.DeliverPacket(sendCtx, peer.ID, peer.Address, data); err != nil {
		r.counters.sendFailures.Add(1)
		r.connections.RecordFailure(peer.ID)

		logrus.WithFields(logrus.Fields{
			"function":   "send",
			"message_id": msg.ID,
			"peer_id":    peer.ID.Short(),
			"error":      err.Error(),
		}).Debug("Message delivery failed")
		return fmt.Errorf("send %s to %s: %w", msg.ID, peer.ID.Short(), err)
	}

	r.counters.sent.Add(1)
	// one-way sends carry no round-trip sample
	r.connections.RecordSuccess(peer.ID, 0)
	return nil
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Sent:             r.counters.sent.Load(),
		Delivered:        r.counters.delivered.Load(),
		Forwarded:        r.counters.forwarded.Load(),
		DroppedDuplicate: r.counters.droppedDuplicate.Load(),
		DroppedTTL:       r.counters.droppedTTL.Load(),
		DroppedInvalid:   r.counters.droppedInvalid.Load(),
		RateLimited:      r.counters.rateLimited.Load(),
		SendFailures:     r.counters.sendFailures.Load(),
	}
}

func (r *Router) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
