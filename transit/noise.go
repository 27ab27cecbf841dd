package transit

import (
	"github.com/flynn/noise"
)

// noiseCipher wraps one direction's flynn/noise CipherState. Separate
// send/receive CipherStates come out of the same handshake, so each
// half gets its own.
type noiseCipher struct {
	cs *noise.CipherState
}

func (n noiseCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return n.cs.Encrypt(nil, nil, plaintext)
}

func (n noiseCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return n.cs.Decrypt(nil, nil, ciphertext)
}

// noiseConfig returns the handshake configuration for
// Noise_NNpsk0_25519_ChaChaPoly_BLAKE2s with key as the pre-shared
// key, per §4.5 step 4.
func noiseConfig(key [32]byte, initiator bool) noise.Config {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	return noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeNNpsk0,
		Initiator:     initiator,
		PresharedKey:  key[:],
		PresharedKeyPlacement: 0,
	}
}

// noiseInitiate performs the initiator half of the single-message-
// each-way NNpsk0 pattern: write our message, read the peer's reply,
// derive the transport cipher states.
func noiseInitiate(key [32]byte, write func([]byte) error, read func() ([]byte, error)) (send, recv noiseCipher, err error) {
	hs, err := noise.NewHandshakeState(noiseConfig(key, true))
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	out, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	if err := write(out); err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	in, err := read()
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	_, csOut, csIn, err := hs.ReadMessage(nil, in)
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	return noiseCipher{csOut}, noiseCipher{csIn}, nil
}

// noiseRespond is the responder half of the same exchange.
func noiseRespond(key [32]byte, write func([]byte) error, read func() ([]byte, error)) (send, recv noiseCipher, err error) {
	hs, err := noise.NewHandshakeState(noiseConfig(key, false))
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	in, err := read()
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	out, csIn, csOut, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	if err := write(out); err != nil {
		return noiseCipher{}, noiseCipher{}, err
	}
	return noiseCipher{csOut}, noiseCipher{csIn}, nil
}
