package connection

import "errors"

var (
	// ErrConnectionTimeout is returned when every connection attempt to a
	// peer failed or timed out.
	ErrConnectionTimeout = errors.New("connection timed out")
	// ErrManagerStopped is returned by Connect between Stop and the next
	// Start.
	ErrManagerStopped = errors.New("connection manager stopped")
)
