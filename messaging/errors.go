package messaging

import "errors"

var (
	// ErrInvalidMessage is returned for malformed messages or addressing that
	// does not fit the operation, such as a broadcast with a recipient.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnreachablePeer is returned when no path to a message's recipient
	// could be found.
	ErrUnreachablePeer = errors.New("peer unreachable")
)
