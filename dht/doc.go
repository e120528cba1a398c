// Package dht implements the Kademlia-style peer discovery layer of the
// overlay: a routing table of k-buckets keyed by XOR distance, an iterative
// lookup engine and the FindNode/Ping protocol served over transport.RPC.
//
// # Routing Table
//
// The routing table holds up to BucketSize peers in each of 160 buckets. A
// peer at XOR distance d from the local id lives in bucket BitLen(d)-1, so
// bucket 159 covers the half of the id space farthest away. When a bucket is
// full the least recently seen peer is evicted, preferring peers without an
// active connection:
//
//	table := dht.NewRoutingTable(localID, dht.DefaultBucketSize)
//	result, err := table.AddPeer(*dht.NewPeer(id, "10.0.0.7:7400", ""))
//	closest := table.FindClosestPeers(target, 20)
//
// FindClosestPeers never returns a peer whose id equals the target; use
// GetPeer for exact matches.
//
// # Discovery
//
// Discovery runs lookups against a Querier, which is normally a Handler
// bound to an RPC endpoint:
//
//	rpc := transport.NewRPC(tr, self)
//	handler := dht.NewHandler(rpc, table)
//	disc := dht.NewDiscovery(table, handler, bus, dht.DefaultDiscoveryConfig())
//	handler.Observe(disc)
//	if err := disc.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	peers, err := disc.LookupPeers(ctx, target)
//
// Each lookup round queries Alpha peers in parallel. A lookup stops when a
// round brings no closer candidate, the target is found, MaxRounds is
// reached or the LookupTimeout elapses. Start adds the bootstrap peers,
// looks up the local id and launches the Maintainer, which refreshes
// random buckets and prunes stale peers.
//
// # Events
//
// When constructed with an events.Bus, Discovery publishes PeerAdded,
// PeerRemoved, PeerEvicted and LookupCompleted events.
package dht
