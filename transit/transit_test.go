package transit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHintsRoundTripKnownAbilities(t *testing.T) {
	h := Hints{
		Abilities: Abilities{DirectTCPv1: true, RelayV1: true},
		DirectV1:  []DirectHint{{Hostname: "10.0.0.1", Port: 4321}},
		RelayV1:   []RelayHint{{Type: "tcp", Hints: []DirectHint{{Hostname: "relay.example", Port: 4000}}}},
	}
	b, err := json.Marshal(h)
	require.NoError(t, err)

	var got Hints
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, h, got)
}

func TestAbilitiesPreservesUnknownKindsWithoutErroring(t *testing.T) {
	raw := []byte(`[{"type":"direct-tcp-v1"},{"type":"some-future-kind"}]`)
	var a Abilities
	require.NoError(t, json.Unmarshal(raw, &a))
	require.True(t, a.DirectTCPv1)
	require.False(t, a.RelayV1)
	require.Equal(t, []string{"some-future-kind"}, a.Unknown)

	b, err := json.Marshal(a)
	require.NoError(t, err)
	var roundTripped Abilities
	require.NoError(t, json.Unmarshal(b, &roundTripped))
	require.Equal(t, a, roundTripped)
}

func TestRecordStreamNonceDiscipline(t *testing.T) {
	var skey, rkey [32]byte
	copy(skey[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	copy(rkey[:], []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))

	var pipe bytes.Buffer
	send := &SendHalf{kind: cipherSecretbox, sbKey: skey, w: &pipe}
	recv := &RecvHalf{kind: cipherSecretbox, sbKey: skey, r: &pipe}

	require.NoError(t, send.WriteRecord([]byte("first")))
	require.NoError(t, send.WriteRecord([]byte("second")))

	got1, err := recv.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "first", string(got1))

	got2, err := recv.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "second", string(got2))
	_ = rkey
}

func TestRecordStreamRejectsReplayedNonce(t *testing.T) {
	var skey [32]byte
	copy(skey[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))

	var pipe bytes.Buffer
	send := &SendHalf{kind: cipherSecretbox, sbKey: skey, w: &pipe}

	require.NoError(t, send.WriteRecord([]byte("one")))
	recorded := append([]byte(nil), pipe.Bytes()...)
	require.NoError(t, send.WriteRecord([]byte("two")))

	recv := &RecvHalf{kind: cipherSecretbox, sbKey: skey, r: &pipe}
	_, err := recv.ReadRecord()
	require.NoError(t, err) // consumes "one"

	// Replay "one" again: the receiver's expected nonce has already
	// advanced past it, so this must fail.
	replay := bytes.NewBuffer(recorded)
	recvReplay := &RecvHalf{kind: cipherSecretbox, sbKey: skey, r: replay, nonce: recv.nonce}
	_, err = recvReplay.ReadRecord()
	require.ErrorIs(t, err, ErrNonceMismatch)
}
