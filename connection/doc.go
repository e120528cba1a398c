// Package connection tracks which known peers the local node holds an
// active connection to.
//
// A connection is established by pinging the peer's advertised address,
// retrying with a doubling backoff until ConnectRetries attempts have failed.
// The Manager keeps per-peer latency and reliability up to date in the
// routing table using exponential moving averages, and a health loop pings
// every connected peer at HealthInterval, dropping peers that fail
// MaxFailures checks in a row or whose reliability falls below
// MinReliability.
//
//	mgr := connection.NewManager(table, handler, bus, connection.DefaultConfig())
//	mgr.Start()
//	defer mgr.Stop()
//
//	conn, err := mgr.Connect(ctx, peerID)
//	if errors.Is(err, dht.ErrPeerNotFound) {
//	    // look the peer up first
//	}
//
// Peers evicted from or removed from the routing table are disconnected as
// they leave it. Stop cancels dials in flight, and no connection is stored
// until the Manager is started again.
package connection
