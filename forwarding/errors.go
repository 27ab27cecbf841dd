package forwarding

import "errors"

var (
	// ErrProtocol is returned when a peer message violates the
	// connection-id/target invariants (§4.10).
	ErrProtocol = errors.New("forwarding: protocol violation")
	// ErrPeerError is returned when the peer sends a terminal error
	// message.
	ErrPeerError = errors.New("forwarding: peer reported an error")
)
