package pairing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"wormhole.dev/core/internal/wormcrypto"
	"wormhole.dev/core/pairing"
	"wormhole.dev/core/rendezvous"
	"wormhole.dev/core/rendezvous/rendezvoustest"
)

const testAppID = "wormhole.dev/core/test"

func connectedPair(t *testing.T, ctx context.Context, srv *rendezvoustest.Server) (*rendezvous.Client, *rendezvous.Client) {
	t.Helper()
	a := rendezvous.New(testAppID)
	require.NoError(t, a.Connect(ctx, srv.URL()))
	nameplate, _, err := a.AllocateClaimOpen(ctx)
	require.NoError(t, err)

	b := rendezvous.New(testAppID)
	require.NoError(t, b.Connect(ctx, srv.URL()))
	_, err = b.ClaimOpen(ctx, nameplate)
	require.NoError(t, err)

	return a, b
}

func TestPairingSymmetricKeyAndVerifier(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := connectedPair(t, ctx, srv)

	const code = "4-purple-sausages"
	var keyA, keyB wormcrypto.Key
	var errA, errB error
	done := make(chan struct{}, 2)

	go func() { keyA, errA = pairing.Run(ctx, a, code, testAppID); done <- struct{}{} }()
	go func() { keyB, errB = pairing.Run(ctx, b, code, testAppID); done <- struct{}{} }()
	<-done
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, keyA, keyB)
	require.Equal(t, wormcrypto.DeriveVerifier(keyA), wormcrypto.DeriveVerifier(keyB))
}

func TestPairingWrongCodeFails(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := connectedPair(t, ctx, srv)

	// SPAKE2 Finish does not itself reject a mismatched password: the
	// two sides simply derive different keys. The mismatch is only
	// detected once the AEAD-encrypted version phase fails to decrypt
	// under the peer's derived key (§4.3), so both Run calls succeed
	// here but yield different keys.
	var keyA, keyB wormcrypto.Key
	done := make(chan struct{}, 2)
	go func() { keyA, _ = pairing.Run(ctx, a, "4-foo", testAppID); done <- struct{}{} }()
	go func() { keyB, _ = pairing.Run(ctx, b, "4-bar-baz", testAppID); done <- struct{}{} }()
	<-done
	<-done
	require.NotEqual(t, keyA, keyB)

	var verrA, verrB error
	done2 := make(chan struct{}, 2)
	go func() {
		_, verrA = pairing.ExchangeVersions(ctx, a, keyA, a.Side(), map[string]string{})
		done2 <- struct{}{}
	}()
	go func() {
		_, verrB = pairing.ExchangeVersions(ctx, b, keyB, b.Side(), map[string]string{})
		done2 <- struct{}{}
	}()
	<-done2
	<-done2
	require.True(t, errors.Is(verrA, pairing.ErrPakeFailed) || errors.Is(verrB, pairing.ErrPakeFailed))
}
