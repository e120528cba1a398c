// Package crypto holds the local node identity and the identifier space of the
// overlay.
//
// # Identity
//
// Every node owns a NaCl crypto_box [KeyPair]. Its [NodeID] is the 160-bit
// BLAKE2b digest of the public key, so identifiers are uniformly distributed
// and cannot be chosen freely:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id := keys.NodeID()
//
// # XOR metric
//
// The distance between two identifiers is their bitwise XOR read as an
// unsigned big-endian integer. [NodeID.BitLen] of a distance selects the
// k-bucket a peer belongs to, and [CloserTo] orders candidates during a lookup.
//
// # Time
//
// Components that age state take a [TimeProvider] so tests can drive the
// clock with [ManualTimeProvider].
//
// Payload encryption is not performed here; messages reach the overlay
// already sealed by the session layer.
package crypto
