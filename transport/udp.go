package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/limits"
)

// UDPTransport implements Transport over a single UDP socket.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewUDPTransport creates a new UDP transport listening on listenAddr.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"address":  conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified host:port address.
func (t *UDPTransport) Send(packet *Packet, addr string) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, udpAddr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, limits.MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single datagram.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"error":    err.Error(),
			}).Debug("UDP read failed")
		}
		return
	}

	// copy out of the shared buffer before handing off to a goroutine
	data := make([]byte, n)
	copy(data, buffer[:n])

	packet, err := ParsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Discarding unparseable datagram")
		return
	}

	t.dispatchPacketToHandler(packet, addr.String())
}

// dispatchPacketToHandler finds and executes the appropriate packet handler.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, from string) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.Type]
	t.mu.RUnlock()

	if exists {
		go handler(packet, from)
	}
}
