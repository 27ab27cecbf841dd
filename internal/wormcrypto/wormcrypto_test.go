package wormcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenPhaseRoundTrip(t *testing.T) {
	var key Key
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	body, err := SealPhase(key, []byte("hello wormhole"))
	require.NoError(t, err)

	plain, err := OpenPhase(key, body)
	require.NoError(t, err)
	require.Equal(t, "hello wormhole", string(plain))
}

func TestOpenPhaseRejectsTamperedBody(t *testing.T) {
	var key Key
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	body, err := SealPhase(key, []byte("hello"))
	require.NoError(t, err)
	body[len(body)-1] ^= 0xff

	_, err = OpenPhase(key, body)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDerivePhaseKeyDependsOnSideAndPhase(t *testing.T) {
	var key Key
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	k1 := DerivePhaseKey(key, "aabbcc", "0")
	k2 := DerivePhaseKey(key, "aabbcc", "1")
	k3 := DerivePhaseKey(key, "ddeeff", "0")

	require.NotEqual(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestDeriveVerifierSymmetry(t *testing.T) {
	var key Key
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	require.Equal(t, DeriveVerifier(key), DeriveVerifier(key))
}
