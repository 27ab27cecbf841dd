package v2

import "errors"

var (
	// ErrProtocol is returned when a message arrives out of the
	// expected offer/answer/file-start/payload/file-end/transfer-ack
	// order.
	ErrProtocol = errors.New("transfer/v2: protocol violation")
	// ErrPeerError is returned when the peer sends a terminal error
	// message.
	ErrPeerError = errors.New("transfer/v2: peer reported an error")
	// ErrOversizedFile is returned when a file's received payload bytes
	// exceed its offered (or offset-adjusted) size.
	ErrOversizedFile = errors.New("transfer/v2: file exceeded its offered size")
	// ErrShortFile is returned when file-end arrives before the
	// offered size was reached.
	ErrShortFile = errors.New("transfer/v2: file ended before its offered size was reached")
)
