package meshcore

import (
	"time"

	"github.com/opd-ai/meshcore/connection"
	"github.com/opd-ai/meshcore/crypto"
	"github.com/opd-ai/meshcore/dht"
	"github.com/opd-ai/meshcore/events"
	"github.com/opd-ai/meshcore/messaging"
	"github.com/opd-ai/meshcore/transport"
)

// DefaultListenAddr is the UDP address used when neither a transport nor a
// listen address is configured.
const DefaultListenAddr = "0.0.0.0:33445"

// Options configures a Manager. Nil sub-configurations use their package
// defaults.
type Options struct {
	// KeyPair is the local identity. A new one is generated when nil.
	KeyPair *crypto.KeyPair

	// Transport carries packets. When nil, a UDP transport is opened on
	// ListenAddr and closed by Manager.Close.
	Transport  transport.Transport
	ListenAddr string

	// BucketSize is K, the capacity of each k-bucket.
	BucketSize int

	// BootstrapPeers seed the routing table on Start.
	BootstrapPeers []dht.Peer

	Discovery  *dht.DiscoveryConfig
	Connection *connection.Config
	Router     *messaging.RouterConfig

	// EventBuffer is the per-subscriber event buffer.
	EventBuffer int

	// MetricsNamespace prefixes the Prometheus metric names.
	MetricsNamespace string
	// StatsInterval is how often metric gauges are refreshed while running.
	// Zero disables the refresh loop.
	StatsInterval time.Duration

	// TimeProvider is the clock used for liveness bookkeeping.
	TimeProvider crypto.TimeProvider
}

// NewOptions creates an Options with default values.
func NewOptions() *Options {
	return &Options{
		ListenAddr:       DefaultListenAddr,
		BucketSize:       dht.DefaultBucketSize,
		Discovery:        dht.DefaultDiscoveryConfig(),
		Connection:       connection.DefaultConfig(),
		Router:           messaging.DefaultRouterConfig(),
		EventBuffer:      events.DefaultBufferSize,
		MetricsNamespace: "meshcore",
		StatsInterval:    15 * time.Second,
	}
}

// withDefaults returns a copy of o with zero values replaced by defaults.
func (o *Options) withDefaults() *Options {
	defaults := NewOptions()
	if o == nil {
		return defaults
	}

	opts := *o
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaults.ListenAddr
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = defaults.BucketSize
	}
	if opts.Discovery == nil {
		opts.Discovery = defaults.Discovery
	}
	if opts.Connection == nil {
		opts.Connection = defaults.Connection
	}
	if opts.Router == nil {
		opts.Router = defaults.Router
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaults.EventBuffer
	}
	if opts.MetricsNamespace == "" {
		opts.MetricsNamespace = defaults.MetricsNamespace
	}
	if opts.StatsInterval < 0 {
		opts.StatsInterval = 0
	}
	opts.TimeProvider = crypto.OrDefault(opts.TimeProvider)
	return &opts
}
