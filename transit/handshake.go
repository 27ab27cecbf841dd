package transit

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"

	"wormhole.dev/core/internal/wormcrypto"
)

// handshake performs the per-connection cryptographic handshake on
// the chosen winner and returns the framed send/receive halves.
// Candidate racing happens one layer up (Connect picks the winning
// raw connection first); this function only negotiates the crypto
// over that single socket, matching §4.5 steps 4-5.
func handshake(w winner, transitKey wormcrypto.Key, myAbilities, peerAbilities Abilities, leader bool) (*SendHalf, *RecvHalf, error) {
	useNoise := myAbilities.NoiseCryptoV1 && peerAbilities.NoiseCryptoV1
	if useNoise {
		return noiseHandshake(w, transitKey, leader)
	}
	return secretboxHandshake(w, transitKey, leader)
}

func secretboxHandshake(w winner, transitKey wormcrypto.Key, leader bool) (*SendHalf, *RecvHalf, error) {
	senderHint := wormcrypto.DeriveTransitSenderHint(transitKey)
	receiverHint := wormcrypto.DeriveTransitReceiverHint(transitKey)

	if leader {
		if _, err := fmt.Fprintf(w.conn, "transit sender %s ready\n\n", hex.EncodeToString(senderHint[:])); err != nil {
			return nil, nil, err
		}
		if err := expectLine(w.reader, "transit receiver "+hex.EncodeToString(receiverHint[:])+" ready\n\n"); err != nil {
			return nil, nil, err
		}
		// All candidates but the winner have already been cancelled by
		// the caller; send the final "go" confirmation on this one.
		if _, err := io.WriteString(w.conn, "go\n"); err != nil {
			return nil, nil, err
		}
	} else {
		if err := expectLine(w.reader, "transit sender "+hex.EncodeToString(senderHint[:])+" ready\n\n"); err != nil {
			return nil, nil, err
		}
		if _, err := fmt.Fprintf(w.conn, "transit receiver %s ready\n\n", hex.EncodeToString(receiverHint[:])); err != nil {
			return nil, nil, err
		}
		if err := expectLine(w.reader, "go\n"); err != nil {
			return nil, nil, err
		}
	}

	skey, rkey := wormcrypto.DeriveRecordKeys(transitKey)
	if !leader {
		skey, rkey = rkey, skey
	}

	send := &SendHalf{kind: cipherSecretbox, sbKey: skey, w: w.conn}
	recv := &RecvHalf{kind: cipherSecretbox, sbKey: rkey, r: w.reader}
	return send, recv, nil
}

func noiseHandshake(w winner, transitKey wormcrypto.Key, leader bool) (*SendHalf, *RecvHalf, error) {
	var key [32]byte = transitKey

	if leader {
		if _, err := io.WriteString(w.conn, "Magic-Wormhole Dilation Handshake v1 Leader\n\n"); err != nil {
			return nil, nil, err
		}
		if err := expectLine(w.reader, "Magic-Wormhole Dilation Handshake v1 Follower\n\n"); err != nil {
			return nil, nil, err
		}
	} else {
		if err := expectLine(w.reader, "Magic-Wormhole Dilation Handshake v1 Leader\n\n"); err != nil {
			return nil, nil, err
		}
		if _, err := io.WriteString(w.conn, "Magic-Wormhole Dilation Handshake v1 Follower\n\n"); err != nil {
			return nil, nil, err
		}
	}

	writeFrame := func(b []byte) error { return writeLengthPrefixed(w.conn, b) }
	readFrame := func() ([]byte, error) { return readLengthPrefixed(w.reader) }

	var sendCS, recvCS noiseCipher
	var err error
	if leader {
		sendCS, recvCS, err = noiseInitiate(key, writeFrame, readFrame)
	} else {
		sendCS, recvCS, err = noiseRespond(key, writeFrame, readFrame)
	}
	if err != nil {
		return nil, nil, err
	}

	send := &SendHalf{kind: cipherNoise, noise: sendCS, w: w.conn}
	recv := &RecvHalf{kind: cipherNoise, noise: recvCS, r: w.reader}

	// Exchange one empty authenticated record each to confirm the
	// transport keys agree before handing the stream to the caller.
	if err := send.WriteRecord(nil); err != nil {
		return nil, nil, err
	}
	if _, err := recv.ReadRecord(); err != nil {
		return nil, nil, err
	}

	return send, recv, nil
}

func expectLine(r *bufio.Reader, want string) error {
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if string(buf) != want {
		return fmt.Errorf("transit: unexpected handshake line %q, want %q", buf, want)
	}
	return nil
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(b) >> 24)
	lenBuf[1] = byte(len(b) >> 16)
	lenBuf[2] = byte(len(b) >> 8)
	lenBuf[3] = byte(len(b))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
