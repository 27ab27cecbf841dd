package v1

import "errors"

var (
	// ErrOfferRejected is returned when the peer's answer does not
	// acknowledge the offer.
	ErrOfferRejected = errors.New("transfer/v1: peer rejected offer")
	// ErrUnexpectedOffer is returned when the peer's offer message does
	// not match the shape the caller expected.
	ErrUnexpectedOffer = errors.New("transfer/v1: unexpected offer shape")
	// ErrPeerError is returned when the peer's final ack reports an
	// error instead of "ok".
	ErrPeerError = errors.New("transfer/v1: peer reported a transfer error")
	// ErrChecksumMismatch is returned when the receiver's acknowledged
	// SHA-256 does not match what the sender computed while streaming.
	ErrChecksumMismatch = errors.New("transfer/v1: checksum mismatch")
	// ErrFilesystemSkew is returned when a directory changed between
	// the dry-run tar pass (used to size the offer) and the real pass.
	ErrFilesystemSkew = errors.New("transfer/v1: directory changed between dry run and transfer")
)
