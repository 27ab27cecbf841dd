package transit

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const maxRecordSize = 1 << 20 // one mebibyte, per §6

// cipherKind tags which handshake backend produced a record stream's
// send/receive halves. Modeled as a tagged variant, not a trait
// object, per DESIGN NOTES §9: the two backends share one framing
// layer but have distinct, non-interchangeable state.
type cipherKind int

const (
	cipherSecretbox cipherKind = iota
	cipherNoise
)

// SendHalf is the write side of a Transit record stream. WriteRecord
// holds the half's own mutex, so concurrent writers are serialized;
// no state is shared with the RecvHalf.
type SendHalf struct {
	kind  cipherKind
	sbKey [32]byte
	nonce [24]byte // secretbox variant: full-width 24-byte big-endian counter

	noise noiseCipher // noise variant

	w  io.Writer
	mu sync.Mutex
}

// RecvHalf is the read side of a Transit record stream.
type RecvHalf struct {
	kind  cipherKind
	sbKey [32]byte
	nonce [24]byte

	noise noiseCipher

	r  io.Reader
	mu sync.Mutex
}

func newSecretboxHalves(skey, rkey [32]byte, rw io.ReadWriter) (*SendHalf, *RecvHalf) {
	return &SendHalf{kind: cipherSecretbox, sbKey: skey, w: rw},
		&RecvHalf{kind: cipherSecretbox, sbKey: rkey, r: rw}
}

// WriteRecord seals plaintext and writes one length-prefixed record.
func (s *SendHalf) WriteRecord(plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ciphertext []byte
	switch s.kind {
	case cipherSecretbox:
		out := make([]byte, 24, 24+len(plaintext)+secretbox.Overhead)
		copy(out, s.nonce[:])
		out = secretbox.Seal(out, plaintext, &s.nonce, &s.sbKey)
		incrementNonce(&s.nonce)
		ciphertext = out
	case cipherNoise:
		var err error
		ciphertext, err = s.noise.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("transit: noise encrypt: %w", err)
		}
	}

	if len(ciphertext) > maxRecordSize {
		return ErrRecordTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.w.Write(ciphertext)
	return err
}

// ReadRecord reads one length-prefixed record and opens it, enforcing
// strict nonce order in the Secretbox variant.
func (r *RecvHalf) ReadRecord() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(r.r, ciphertext); err != nil {
		return nil, err
	}

	switch r.kind {
	case cipherSecretbox:
		if len(ciphertext) < 24 {
			return nil, ErrShortRecord
		}
		var nonce [24]byte
		copy(nonce[:], ciphertext[:24])
		if nonce != r.nonce {
			return nil, ErrNonceMismatch
		}
		plain, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &r.sbKey)
		if !ok {
			return nil, ErrDecryptionFailed
		}
		incrementNonce(&r.nonce)
		return plain, nil
	case cipherNoise:
		plain, err := r.noise.Decrypt(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("transit: noise decrypt: %w", err)
		}
		return plain, nil
	}
	return nil, ErrRecordTooLarge
}

// incrementNonce increments a 24-byte big-endian counter in place.
func incrementNonce(nonce *[24]byte) {
	for i := len(nonce) - 1; i >= 0; i-- {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
