// Package limits provides centralized size and hop-count constants and the
// validation functions that enforce them.
//
// # Limits
//
//   - MaxPayloadSize: the largest application payload carried by a message.
//   - MaxPacketSize: the largest serialized packet handed to a transport; it
//     fits in one UDP datagram.
//   - MaxPeersPerResponse: the longest peer list returned by a FindNode query.
//   - DefaultTTL / MaxTTL: hop budget for new messages and the largest budget
//     accepted from the network.
//
// # Errors
//
//   - ErrMessageEmpty: an empty buffer where data is required
//   - ErrMessageTooLarge: a buffer over its limit
//   - ErrInvalidTTL: a hop budget outside [0, MaxTTL]
//
// Errors are wrapped with size context and should be compared with errors.Is:
//
//	if err := limits.ValidatePayload(payload); errors.Is(err, limits.ErrMessageTooLarge) {
//	    // reject
//	}
package limits
