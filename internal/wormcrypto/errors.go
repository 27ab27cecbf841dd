package wormcrypto

import "errors"

var (
	// ErrDecryptionFailed is returned when a secretbox open fails
	// authentication. Callers pairing this into a handshake should
	// treat it as a key-confirmation failure, not a transport error.
	ErrDecryptionFailed = errors.New("wormcrypto: decryption failed")
	ErrShortMessage     = errors.New("wormcrypto: message too short to contain a nonce")
)
