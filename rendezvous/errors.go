package rendezvous

import "errors"

var (
	// ErrServer wraps a server-reported error message, relayed verbatim.
	ErrServer = errors.New("rendezvous: server error")
	// ErrProtocol covers malformed JSON, unexpected message types, and
	// other violations of the request/reply discipline.
	ErrProtocol = errors.New("rendezvous: protocol error")
	// ErrUnsupportedPermission is returned when the server's
	// welcome.permission-required names no kind this client supports.
	ErrUnsupportedPermission = errors.New("rendezvous: unsupported permission requirement")
	// ErrWrongState is returned when an operation is attempted from a
	// lifecycle state that does not support it.
	ErrWrongState = errors.New("rendezvous: operation invalid in current state")
)
