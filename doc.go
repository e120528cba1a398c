// Package meshcore implements the core of a peer-to-peer overlay network:
// Kademlia-style peer discovery over XOR distance, connection management,
// and direct or broadcast message routing without a central server.
//
// Message payloads are opaque here. Encryption, persistence and application
// semantics belong to the layers above.
//
// # Getting Started
//
// Create a manager, start it, and exchange messages:
//
//	options := meshcore.NewOptions()
//	options.ListenAddr = "0.0.0.0:33445"
//	options.BootstrapPeers, _ = meshcore.ParsePeerAddresses(
//	    "6f1c0e4a9d2b7c3e5a8f0d1b2c3d4e5f60718293@203.0.113.7:33445")
//
//	node, err := meshcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnMessage(func(msg *messaging.Message) {
//	    fmt.Printf("%s from %s\n", msg.Type, msg.From.Short())
//	})
//
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	msg := node.NewDirectMessage(recipient, messaging.ChatMessage, ciphertext)
//	if err := node.SendDirectMessage(ctx, msg); err != nil {
//	    log.Printf("send failed: %v", err)
//	}
//
// # Core Types
//
//   - [Manager]: coordinates discovery, connections and routing for one node
//   - [Options]: configuration, see [NewOptions]
//   - [NetworkStats] and [NetworkInfo]: derived network statistics
//
// # Lifecycle
//
// [New] binds the transport. [Manager.Start] starts peer discovery, the
// connection health checks and the metric loops; starting twice is a no-op.
// [Manager.Stop] tears down every connection and cancels in-flight lookups
// but keeps the routing table, so a restarted node rejoins through the peers
// it already knows. [Manager.Close] also closes event subscriptions and the
// transport the manager opened. The transport keeps answering FindNode and
// Ping requests until Close.
//
// # Events
//
// [Manager.SubscribeToNetwork] returns a cancellable stream of typed events
// (peer added, evicted or removed, connections, lookups, message delivery and
// drops). Slow subscribers lose events rather than stall the node.
//
// # Errors
//
// Operations return sentinel errors usable with errors.Is: [ErrPeerNotFound],
// [ErrUnreachablePeer], [ErrInvalidMessage], [ErrConnectionTimeout],
// [ErrLookupTimeout] and [ErrNotRunning]. Malformed or duplicate incoming
// messages are dropped without error and show up in [RouterStats] and the
// event stream.
//
// [RouterStats]: https://pkg.go.dev/github.com/opd-ai/meshcore/messaging#RouterStats
package meshcore
