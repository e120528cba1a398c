// Package events carries typed network events from the overlay components to
// external observers.
//
// Each subscriber owns a buffered channel. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted. Cancelling a subscription, or the context it was created with,
// closes its channel.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/meshcore/crypto"
)

// Type identifies the kind of network event.
type Type uint8

const (
	// PeerAdded: a peer entered the routing table.
	PeerAdded Type = iota + 1
	// PeerRemoved: a peer was removed explicitly or pruned.
	PeerRemoved
	// PeerEvicted: a peer was displaced from a full k-bucket.
	PeerEvicted
	// PeerConnected: a logical connection was established.
	PeerConnected
	// PeerDisconnected: a logical connection was torn down.
	PeerDisconnected
	// LookupCompleted: an iterative lookup finished (Err set on failure).
	LookupCompleted
	// MessageReceived: a message was delivered to the local node.
	MessageReceived
	// MessageSent: a message left the local node (Reason holds the kind).
	MessageSent
	// MessageDropped: an incoming message was discarded (Reason says why).
	MessageDropped
	// NetworkStarted: the manager entered the running state.
	NetworkStarted
	// NetworkStopped: the manager left the running state.
	NetworkStopped
)

var typeNames = map[Type]string{
	PeerAdded:        "peer_added",
	PeerRemoved:      "peer_removed",
	PeerEvicted:      "peer_evicted",
	PeerConnected:    "peer_connected",
	PeerDisconnected: "peer_disconnected",
	LookupCompleted:  "lookup_completed",
	MessageReceived:  "message_received",
	MessageSent:      "message_sent",
	MessageDropped:   "message_dropped",
	NetworkStarted:   "network_started",
	NetworkStopped:   "network_stopped",
}

// String returns the snake_case name of the event type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Event is a single network event. Fields not relevant to Type are zero.
type Event struct {
	Type      Type
	Time      time.Time
	PeerID    crypto.NodeID
	Address   string
	MessageID string
	// Reason qualifies MessageSent ("direct", "broadcast") and
	// MessageDropped ("duplicate", "ttl_expired", "invalid", "rate_limited").
	Reason   string
	Count    int
	Duration time.Duration
	Err      error
}

// Subscription is one subscriber's view of a Bus.
type Subscription struct {
	id     uint64
	ch     chan Event
	bus    *Bus
	once   sync.Once
	stopFn func() bool
}

// Events returns the receive-only event channel. It is closed on Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.stopFn != nil {
			s.stopFn()
		}
		s.bus.detach(s.id)
		close(s.ch)
	})
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 64

// NewBus creates a Bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The subscription is cancelled when
// ctx is done. Subscribing to a closed bus returns an already-closed channel.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		ch:  make(chan Event, b.buffer),
		bus: b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if ctx != nil {
		sub.stopFn = context.AfterFunc(ctx, sub.Cancel)
	}
	return sub
}

// Publish delivers ev to every subscriber without blocking. A zero Time is
// stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close cancels every subscription. Later Subscribe calls return closed
// subscriptions and Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {
			if sub.stopFn != nil {
				sub.stopFn()
			}
			close(sub.ch)
		})
	}
}

func (b *Bus) detach(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
