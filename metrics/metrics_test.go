package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/events"
)

func TestObserveEvent(t *testing.T) {
	m := New("test")

	m.ObserveEvent(events.Event{Type: events.PeerAdded})
	m.ObserveEvent(events.Event{Type: events.PeerAdded})
	m.ObserveEvent(events.Event{Type: events.PeerEvicted})
	m.ObserveEvent(events.Event{Type: events.MessageSent, Reason: "broadcast"})
	m.ObserveEvent(events.Event{Type: events.MessageSent})
	m.ObserveEvent(events.Event{Type: events.MessageReceived})
	m.ObserveEvent(events.Event{Type: events.MessageDropped, Reason: "duplicate"})
	m.ObserveEvent(events.Event{Type: events.LookupCompleted, Count: 4, Duration: 20 * time.Millisecond})
	m.ObserveEvent(events.Event{Type: events.LookupCompleted, Err: errors.New("timeout")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PeerEvents.WithLabelValues("peer_added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerEvents.WithLabelValues("peer_evicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("broadcast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRecv))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("error")))
}

func TestUpdateSetsGauges(t *testing.T) {
	m := New("")

	m.Update(Snapshot{
		KnownPeers:       12,
		ConnectedPeers:   3,
		ActiveBuckets:    5,
		AverageLatencyMs: 250,
		Reliability:      0.75,
	})

	assert.Equal(t, 12.0, testutil.ToFloat64(m.PeersKnown))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PeersConnected))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ActiveBuckets))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.AverageLatency), 1e-9)
	assert.InDelta(t, 0.75, testutil.ToFloat64(m.NetworkReliability), 1e-9)
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("node")
		New("node")
	})
}

func TestConsume(t *testing.T) {
	bus := events.NewBus(8)
	m := New("test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		m.Consume(ctx, sub)
		close(done)
	}()

	bus.Publish(events.Event{Type: events.MessageReceived})
	bus.Publish(events.Event{Type: events.MessageReceived})
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after the bus closed")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesRecv))
}

func TestHandlerExposition(t *testing.T) {
	m := New("test")
	m.Update(Snapshot{KnownPeers: 7})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_peers_known 7")
}

func TestServer(t *testing.T) {
	m := New("test")
	s := NewServer("127.0.0.1:0", m)

	addr, err := s.Start()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	}()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", strings.TrimSpace(string(body)))

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
