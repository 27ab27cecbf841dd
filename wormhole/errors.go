package wormhole

import "errors"

var (
	// ErrMalformedCode is returned when a full code has no "-" to
	// split a nameplate from its password.
	ErrMalformedCode = errors.New("wormhole: malformed code")
	// ErrClosed is returned by Receive when its delivery channel is
	// closed with no decrypt error recorded. Closing the mailbox does
	// not close that channel, so a Receive waiting at that point
	// returns only when its ctx is done.
	ErrClosed = errors.New("wormhole: closed")
	// ErrMalformedPayload wraps a JSON unmarshal failure in
	// ReceiveJSON, distinguishing it from a wire-level error.
	ErrMalformedPayload = errors.New("wormhole: malformed payload")
)
