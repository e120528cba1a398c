package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryNetwork is an in-process datagram network. Packets are serialized on
// send and parsed on receipt exactly as on a real wire, then delivered
// asynchronously. Endpoints can be made unreachable to simulate partitions and
// churn; packets to or from an unreachable endpoint vanish silently, as UDP
// datagrams would.
type MemoryNetwork struct {
	mu          sync.RWMutex
	endpoints   map[string]*MemoryTransport
	unreachable map[string]bool
	latency     time.Duration

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints:   make(map[string]*MemoryTransport),
		unreachable: make(map[string]bool),
	}
}

// Listen attaches a new endpoint at addr.
func (n *MemoryNetwork) Listen(addr string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", addr)
	}

	t := &MemoryTransport{
		network:  n,
		addr:     addr,
		handlers: make(map[PacketType]PacketHandler),
	}
	n.endpoints[addr] = t
	return t, nil
}

// SetLatency sets the one-way delay applied to every delivery.
func (n *MemoryNetwork) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// SetReachable toggles whether packets can reach or leave addr.
func (n *MemoryNetwork) SetReachable(addr string, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if reachable {
		delete(n.unreachable, addr)
	} else {
		n.unreachable[addr] = true
	}
}

// Stats returns the number of delivered and dropped packets.
func (n *MemoryNetwork) Stats() (delivered, dropped uint64) {
	return n.delivered.Load(), n.dropped.Load()
}

func (n *MemoryNetwork) deliver(from, to string, data []byte) {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	blocked := n.unreachable[from] || n.unreachable[to]
	latency := n.latency
	n.mu.RUnlock()

	if !ok || blocked {
		n.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"from":     from,
			"to":       to,
		}).Debug("Memory network dropped packet")
		return
	}

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		if dst.receive(data, from) {
			n.delivered.Add(1)
		} else {
			n.dropped.Add(1)
		}
	}()
}

func (n *MemoryNetwork) detach(addr string) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

// MemoryTransport is one endpoint of a MemoryNetwork. It satisfies Transport.
type MemoryTransport struct {
	network  *MemoryNetwork
	addr     string
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	closed   bool
}

// Send serializes the packet and hands it to the network.
func (t *MemoryTransport) Send(packet *Packet, addr string) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	t.network.deliver(t.addr, addr, data)
	return nil
}

// Close detaches the endpoint from its network.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.detach(t.addr)
	return nil
}

// LocalAddr returns the endpoint's address.
func (t *MemoryTransport) LocalAddr() string {
	return t.addr
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

func (t *MemoryTransport) receive(data []byte, from string) bool {
	packet, err := ParsePacket(data)
	if err != nil {
		return false
	}

	t.mu.RLock()
	handler, ok := t.handlers[packet.Type]
	closed := t.closed
	t.mu.RUnlock()

	if closed || !ok {
		return false
	}

	if err := handler(packet, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "receive",
			"address":     t.addr,
			"from":        from,
			"packet_type": packet.Type.String(),
			"error":       err.Error(),
		}).Debug("Packet handler returned error")
	}
	return true
}
