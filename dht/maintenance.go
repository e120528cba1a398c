package dht

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/crypto"
)

// MaintenanceConfig holds configuration for routing table maintenance.
type MaintenanceConfig struct {
	// How often to lookup a random id in an occupied bucket
	RefreshInterval time.Duration
	// How often to scan for stale peers
	PruneInterval time.Duration
	// How long an unconnected peer can go unseen before being removed
	PruneTimeout time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for table maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		RefreshInterval: 5 * time.Minute,
		PruneInterval:   1 * time.Minute,
		PruneTimeout:    1 * time.Hour,
	}
}

// Maintainer keeps the routing table fresh: it periodically looks up random
// ids to discover new peers and drops peers that have gone silent.
type Maintainer struct {
	discovery    *Discovery
	config       *MaintenanceConfig
	timeProvider crypto.TimeProvider
}

func newMaintainer(d *Discovery, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	return &Maintainer{
		discovery:    d,
		config:       config,
		timeProvider: crypto.DefaultTimeProvider{},
	}
}

// Maintainer returns the engine's maintenance routines.
func (d *Discovery) Maintainer() *Maintainer {
	return d.maintainer
}

// SetTimeProvider sets the clock used to judge staleness.
func (m *Maintainer) SetTimeProvider(tp crypto.TimeProvider) {
	m.timeProvider = crypto.OrDefault(tp)
}

func (m *Maintainer) start(ctx context.Context) {
	if m.config.RefreshInterval > 0 {
		m.discovery.spawn(ctx, true, m.refreshRoutine)
	}
	if m.config.PruneInterval > 0 {
		m.discovery.spawn(ctx, true, m.pruneRoutine)
	}
}

// refreshRoutine periodically looks up random ids.
func (m *Maintainer) refreshRoutine(ctx context.Context) {
	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// pruneRoutine removes stale peers from the routing table.
func (m *Maintainer) pruneRoutine(ctx context.Context) {
	ticker := time.NewTicker(m.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}

// Refresh looks up a random id falling in one of the occupied buckets, or
// the local id when the table is empty.
func (m *Maintainer) Refresh(ctx context.Context) {
	d := m.discovery
	target := d.LocalID()

	if indices := d.routingTable.ActiveBucketIndices(); len(indices) > 0 {
		index := indices[rand.Intn(len(indices))]
		if id, err := crypto.RandomNodeIDInBucket(d.LocalID(), index); err == nil {
			target = id
		}
	}

	peers, err := d.LookupPeers(ctx, target)
	if err != nil && !errors.Is(err, ErrDiscoveryStopped) {
		logrus.WithFields(logrus.Fields{
			"function": "Refresh",
			"target":   target.Short(),
			"error":    err.Error(),
		}).Debug("Refresh lookup incomplete")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Refresh",
		"target":   target.Short(),
		"found":    len(peers),
	}).Debug("Refreshed routing table")
}

// Prune removes peers that are not connected and have not been seen within
// PruneTimeout. It returns how many were removed.
func (m *Maintainer) Prune() int {
	d := m.discovery
	now := m.timeProvider.Now()

	removed := 0
	for _, p := range d.routingTable.GetAllPeers() {
		if p.IsConnected || p.IsActive(now, m.config.PruneTimeout) {
			continue
		}
		if d.RemovePeer(p.ID) {
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Prune",
			"removed":   removed,
			"remaining": d.routingTable.Len(),
		}).Info("Pruned stale peers")
	}
	return removed
}
