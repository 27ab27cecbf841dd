package pairing

import "errors"

// ErrPakeFailed marks a SPAKE2 key-confirmation failure: the SPAKE2
// finish step itself rejected the peer's message, or the version
// phase failed to decrypt under the derived key. Both mean the two
// sides do not share a session key — most likely a wrong code, but
// callers should treat it as a possible active attack, not a routine
// retry-able error.
var ErrPakeFailed = errors.New("pairing: key confirmation failed")
