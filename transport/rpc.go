package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// RequestHandler answers a request packet. The returned bytes become the
// payload of the response packet.
type RequestHandler func(req *Packet, sender PeerInfo) ([]byte, error)

// MessageHandler consumes a one-way packet.
type MessageHandler func(packet *Packet, sender PeerInfo)

// RPC adds request/response correlation on top of a Transport. Every outgoing
// packet is stamped with the local PeerInfo so receivers learn about the
// sender, and every incoming packet is reported to the observer.
type RPC struct {
	transport Transport
	self      PeerInfo

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *Packet

	handlersMu sync.RWMutex
	requests   map[PacketType]RequestHandler
	messages   map[PacketType]MessageHandler
	observer   func(sender PeerInfo)
}

// NewRPC wraps t. self.Address defaults to t.LocalAddr().
func NewRPC(t Transport, self PeerInfo) *RPC {
	if self.Address == "" {
		self.Address = t.LocalAddr()
	}

	r := &RPC{
		transport: t,
		self:      self,
		pending:   make(map[uint64]chan *Packet),
		requests:  make(map[PacketType]RequestHandler),
		messages:  make(map[PacketType]MessageHandler),
	}

	for pt := PacketPing; pt <= PacketMessage; pt++ {
		t.RegisterHandler(pt, r.dispatch)
	}
	return r
}

// Self returns the PeerInfo stamped on outgoing packets.
func (r *RPC) Self() PeerInfo {
	return r.self
}

// HandleRequest registers the handler answering requests of type t.
func (r *RPC) HandleRequest(t PacketType, h RequestHandler) {
	r.handlersMu.Lock()
	r.requests[t] = h
	r.handlersMu.Unlock()
}

// HandleMessage registers the handler for one-way packets of type t.
func (r *RPC) HandleMessage(t PacketType, h MessageHandler) {
	r.handlersMu.Lock()
	r.messages[t] = h
	r.handlersMu.Unlock()
}

// SetObserver registers a function called with the sender of every packet
// received from another node.
func (r *RPC) SetObserver(fn func(sender PeerInfo)) {
	r.handlersMu.Lock()
	r.observer = fn
	r.handlersMu.Unlock()
}

// Request sends a request and waits for the matching response or for ctx to
// end.
func (r *RPC) Request(ctx context.Context, t PacketType, payload []byte, addr string) (*Packet, error) {
	if _, ok := t.ResponseType(); !ok {
		return nil, fmt.Errorf("%w: %s is not a request", ErrInvalidPacketType, t)
	}

	id := r.nextID.Add(1)
	ch := make(chan *Packet, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	packet := &Packet{
		Type:      t,
		RequestID: id,
		Sender:    r.self,
		Payload:   payload,
	}
	if err := r.transport.Send(packet, addr); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", t, addr, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send sends a one-way packet.
func (r *RPC) Send(t PacketType, payload []byte, addr string) error {
	return r.transport.Send(&Packet{
		Type:    t,
		Sender:  r.self,
		Payload: payload,
	}, addr)
}

// Pending returns the number of requests awaiting a response.
func (r *RPC) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *RPC) dispatch(packet *Packet, from string) error {
	// the observed source address wins over the advertised one; a node
	// listening on a wildcard address cannot advertise a routable one
	sender := packet.Sender
	if from != "" {
		sender.Address = from
	}

	r.handlersMu.RLock()
	observer := r.observer
	request := r.requests[packet.Type]
	message := r.messages[packet.Type]
	r.handlersMu.RUnlock()

	if observer != nil && !sender.ID.IsZero() && sender.ID != r.self.ID {
		observer(sender)
	}

	switch {
	case packet.Type.IsResponse():
		r.resolve(packet)
		return nil
	case request != nil:
		return r.answer(packet, sender, request)
	case message != nil:
		message(packet, sender)
		return nil
	default:
		return fmt.Errorf("no handler for %s packet", packet.Type)
	}
}

func (r *RPC) resolve(packet *Packet) {
	r.mu.Lock()
	ch, ok := r.pending[packet.RequestID]
	r.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "resolve",
			"request_id": packet.RequestID,
			"type":       packet.Type.String(),
		}).Debug("Response for unknown or expired request")
		return
	}

	select {
	case ch <- packet:
	default:
	}
}

func (r *RPC) answer(req *Packet, sender PeerInfo, handler RequestHandler) error {
	respType, _ := req.Type.ResponseType()

	payload, err := handler(req, sender)
	if err != nil {
		return fmt.Errorf("handle %s from %s: %w", req.Type, sender.Address, err)
	}

	return r.transport.Send(&Packet{
		Type:      respType,
		RequestID: req.RequestID,
		Sender:    r.self,
		Payload:   payload,
	}, sender.Address)
}
