// Package metrics exposes overlay network state as Prometheus metrics.
//
// Each Metrics value owns its own registry so several nodes can run in one
// process (tests, simulations) without colliding on the default registry.
// Counters are fed from the event stream; gauges are set from periodic
// snapshots of the routing table and connection manager.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opd-ai/meshcore/events"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "meshcore"

// Snapshot is the gauge-backed view of the network at one point in time.
type Snapshot struct {
	KnownPeers       int
	ConnectedPeers   int
	ActiveBuckets    int
	AverageLatencyMs float64
	Reliability      float64
	PendingRequests  int
}

// Metrics holds the Prometheus collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	// Routing table and connection gauges
	PeersKnown         prometheus.Gauge
	PeersConnected     prometheus.Gauge
	ActiveBuckets      prometheus.Gauge
	AverageLatency     prometheus.Gauge
	NetworkReliability prometheus.Gauge
	PendingRequests    prometheus.Gauge

	// Event-driven counters
	PeerEvents      *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec
	MessagesRecv    prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	Lookups         *prometheus.CounterVec
	LookupDuration  prometheus.Histogram
	LookupPeers     prometheus.Histogram
}

// New creates a Metrics instance with its own registry. An empty namespace
// means DefaultNamespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers in the routing table",
		}),
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of peers with an active connection",
		}),
		ActiveBuckets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_active_buckets",
			Help:      "Number of k-buckets holding at least one peer",
		}),
		AverageLatency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_latency_average_seconds",
			Help:      "Average round-trip latency of connected peers",
		}),
		NetworkReliability: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_reliability",
			Help:      "Average reliability score of connected peers",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_requests",
			Help:      "Requests awaiting a response",
		}),

		PeerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_events_total",
			Help:      "Routing table and connection events by kind",
		}, []string{"event"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent by the local node by kind",
		}, []string{"kind"}),
		MessagesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered to the local node",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Incoming messages discarded by reason",
		}, []string{"reason"}),
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Iterative lookups by outcome",
		}, []string{"status"}),
		LookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Iterative lookup duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		LookupPeers: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_peers_found",
			Help:      "Peers returned per lookup",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 40, 80},
		}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent updates the counters for one network event.
func (m *Metrics) ObserveEvent(ev events.Event) {
	switch ev.Type {
	case events.PeerAdded, events.PeerRemoved, events.PeerEvicted,
		events.PeerConnected, events.PeerDisconnected:
		m.PeerEvents.WithLabelValues(ev.Type.String()).Inc()
	case events.MessageSent:
		kind := ev.Reason
		if kind == "" {
			kind = "direct"
		}
		m.MessagesSent.WithLabelValues(kind).Inc()
	case events.MessageReceived:
		m.MessagesRecv.Inc()
	case events.MessageDropped:
		m.MessagesDropped.WithLabelValues(ev.Reason).Inc()
	case events.LookupCompleted:
		status := "ok"
		if ev.Err != nil {
			status = "error"
		}
		m.Lookups.WithLabelValues(status).Inc()
		m.LookupDuration.Observe(ev.Duration.Seconds())
		m.LookupPeers.Observe(float64(ev.Count))
	}
}

// Consume feeds every event of sub into ObserveEvent until the subscription
// is closed or ctx is done.
func (m *Metrics) Consume(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.ObserveEvent(ev)
		}
	}
}

// Update sets the gauges from a snapshot.
func (m *Metrics) Update(s Snapshot) {
	m.PeersKnown.Set(float64(s.KnownPeers))
	m.PeersConnected.Set(float64(s.ConnectedPeers))
	m.ActiveBuckets.Set(float64(s.ActiveBuckets))
	m.AverageLatency.Set(s.AverageLatencyMs / 1000)
	m.NetworkReliability.Set(s.Reliability)
	m.PendingRequests.Set(float64(s.PendingRequests))
}
