// Package wormcrypto holds the key types and HKDF-SHA256 purpose table
// shared by pairing, wormhole, and transit.
package wormcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// Key is a 32-byte symmetric key derived by SPAKE2. It never prints its
// bytes, so it can be logged or included in a struct dump safely.
type Key [32]byte

func (Key) String() string   { return "wormcrypto.Key{...}" }
func (Key) GoString() string { return "wormcrypto.Key{...}" }

// Zero overwrites k with zero bytes.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// NewSide returns n random bytes hex-encoded, for use as a mailbox
// (n=5) or transit (n=8) side identifier.
func NewSide(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("wormcrypto: failed to read random side: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func hkdfExpand(key Key, purpose string, out []byte) {
	r := hkdf.New(sha256.New, key[:], nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("wormcrypto: hkdf expand failed: " + err.Error())
	}
}

// Derive32 runs HKDF-SHA256 with an empty salt over key, producing a
// 32-byte subkey for purpose.
func Derive32(key Key, purpose string) Key {
	var out Key
	hkdfExpand(key, purpose, out[:])
	return out
}

// DerivePhaseKey derives the AEAD key for one mailbox phase message,
// mixing in SHA-256 of the side and of the phase per the purpose
// string table.
func DerivePhaseKey(key Key, side, phase string) Key {
	sideHash := sha256.Sum256([]byte(side))
	phaseHash := sha256.Sum256([]byte(phase))
	purpose := "wormhole:phase:" + string(sideHash[:]) + string(phaseHash[:])
	return Derive32(key, purpose)
}

// DeriveVerifier derives the 32-byte out-of-band confirmation value.
func DeriveVerifier(key Key) [32]byte {
	return Derive32(key, "wormhole:verifier")
}

// DeriveTransitKey derives the Transit root key from the Wormhole
// session key, scoped by appID.
func DeriveTransitKey(key Key, appID string) Key {
	return Derive32(key, appID+"/transit-key")
}

// DeriveTransitSenderHint and DeriveTransitReceiverHint identify each
// side in the Secretbox handshake preamble lines.
func DeriveTransitSenderHint(key Key) [32]byte   { return Derive32(key, "transit_sender") }
func DeriveTransitReceiverHint(key Key) [32]byte { return Derive32(key, "transit_receiver") }

// DeriveRecordKeys derives the sender/receiver record-stream encryption
// keys for the Secretbox Transit variant.
func DeriveRecordKeys(key Key) (sender, receiver Key) {
	return Derive32(key, "transit_record_sender_key"), Derive32(key, "transit_record_receiver_key")
}

// DeriveRelayToken derives the token presented to a relay server.
func DeriveRelayToken(key Key) [32]byte {
	return Derive32(key, "transit_relay_token")
}

// SealPhase AEAD-encrypts plaintext under the phase key, returning raw
// bytes (the caller hex-encodes them for the wire).
func SealPhase(key Key, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 24, 24+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	var k [32]byte = key
	out = secretbox.Seal(out, plaintext, &nonce, &k)
	return out, nil
}

// OpenPhase decrypts a phase body produced by SealPhase.
func OpenPhase(key Key, body []byte) ([]byte, error) {
	if len(body) < 24 {
		return nil, ErrShortMessage
	}
	var nonce [24]byte
	copy(nonce[:], body[:24])
	var k [32]byte = key
	out, ok := secretbox.Open(nil, body[24:], &nonce, &k)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}
