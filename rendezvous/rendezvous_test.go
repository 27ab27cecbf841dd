package rendezvous_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"wormhole.dev/core/rendezvous"
	"wormhole.dev/core/rendezvous/rendezvoustest"
)

func TestAllocateClaimOpenAndMessageExchange(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := rendezvous.New("test-app")
	require.NoError(t, a.Connect(ctx, srv.URL()))
	nameplate, mailboxA, err := a.AllocateClaimOpen(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, nameplate)
	require.NotEmpty(t, mailboxA)

	b := rendezvous.New("test-app")
	require.NoError(t, b.Connect(ctx, srv.URL()))
	mailboxB, err := b.ClaimOpen(ctx, nameplate)
	require.NoError(t, err)
	require.Equal(t, mailboxA, mailboxB)

	require.NoError(t, a.Add(ctx, "0", []byte("hello")))

	select {
	case m := <-b.Messages():
		require.Equal(t, "0", m.Phase)
		require.Equal(t, "hello", string(m.Body))
		require.Equal(t, a.Side(), m.Side)
	case <-ctx.Done():
		t.Fatal("timed out waiting for peer message")
	}

	require.NoError(t, a.Close(ctx, rendezvous.Happy))
	require.NoError(t, b.Close(ctx, rendezvous.Happy))
}

func TestConnectMintsAndSubmitsHashcashStamp(t *testing.T) {
	srv := rendezvoustest.NewServerWithHashcash(8)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := rendezvous.New("test-app")
	require.NoError(t, a.Connect(ctx, srv.URL()))
	_, _, err := a.AllocateClaimOpen(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx, rendezvous.Happy))
}

func TestSelfEchoIsFiltered(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := rendezvous.New("test-app")
	require.NoError(t, a.Connect(ctx, srv.URL()))
	_, _, err := a.AllocateClaimOpen(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Add(ctx, "0", []byte("echoed")))

	select {
	case <-a.Messages():
		t.Fatal("self-echoed message must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, a.Close(ctx, rendezvous.Happy))
}
