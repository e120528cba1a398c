// Package messaging routes overlay messages between nodes.
//
// # Messages
//
// A [Message] carries an already encrypted payload, a sender, an optional
// recipient and a hop budget (TTL). A nil recipient makes it a broadcast:
//
//	direct := messaging.NewDirectMessage(self, peer, messaging.ChatMessage, ciphertext)
//	presence := messaging.NewBroadcastMessage(self, messaging.Presence, nil)
//
// # Routing
//
// The [Router] sends direct messages straight to a connected recipient, or
// looks the recipient up in the DHT and hands the message to the closest
// reachable peer. Broadcasts go to every connected peer. Incoming messages
// are deduplicated by id through a bounded [SeenSet], delivered to the local
// [Deliverer] when addressed to this node or broadcast, and relayed with a
// decremented TTL otherwise. A message arriving with TTL 0 is never relayed.
//
// Relaying is rate limited per neighbour, and every drop is counted in
// [RouterStats] and published as a MessageDropped event.
//
// # Wire
//
// Messages travel msgpack encoded inside transport Message packets. Wire a
// router to an RPC endpoint with [NewRPCDelivery] and [Router.Attach]:
//
//	router, err := messaging.NewRouter(self, conns, disc, messaging.NewRPCDelivery(rpc), bus, nil)
//	if err != nil {
//	    return err
//	}
//	router.Attach(rpc)
package messaging
