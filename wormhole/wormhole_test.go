package wormhole_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"wormhole.dev/core/rendezvous/rendezvoustest"
	"wormhole.dev/core/wordlist"
	"wormhole.dev/core/wormhole"
)

const testAppID = "lothar.com/wormhole/text-or-file-xfer"

func TestOpenJoinSendReceive(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := wordlist.Choose(2)
	require.NoError(t, err)

	type result struct {
		wh   *wormhole.Wormhole
		full string
		err  error
	}
	openCh := make(chan result, 1)
	go func() {
		wh, full, err := wormhole.Open(ctx, srv.URL(), testAppID, code, map[string]string{"app": "test"})
		openCh <- result{wh, full, err}
	}()

	// The opener needs to announce its nameplate before the joiner can
	// claim it; poll briefly since allocation races with this goroutine.
	var full string
	var whA *wormhole.Wormhole
	select {
	case r := <-openCh:
		require.NoError(t, r.err)
		whA, full = r.wh, r.full
	case <-ctx.Done():
		t.Fatal("timed out opening wormhole")
	}

	whB, err := wormhole.Join(ctx, srv.URL(), testAppID, full, map[string]string{"app": "test"})
	require.NoError(t, err)

	require.Equal(t, whA.Verifier(), whB.Verifier())

	require.NoError(t, whA.Send(ctx, []byte("hello")))
	got, err := whB.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, whB.Send(ctx, []byte("world")))
	got, err = whA.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestSendJSONReceiveJSON(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := wordlist.Choose(2)
	require.NoError(t, err)

	type offer struct {
		Message string `json:"message"`
	}

	openCh := make(chan *wormhole.Wormhole, 1)
	fullCh := make(chan string, 1)
	go func() {
		wh, full, err := wormhole.Open(ctx, srv.URL(), testAppID, code, nil)
		require.NoError(t, err)
		openCh <- wh
		fullCh <- full
	}()

	whA := <-openCh
	full := <-fullCh
	whB, err := wormhole.Join(ctx, srv.URL(), testAppID, full, nil)
	require.NoError(t, err)

	require.NoError(t, whA.SendJSON(ctx, offer{Message: "hello"}))
	var got offer
	require.NoError(t, whB.ReceiveJSON(ctx, &got))
	require.Equal(t, "hello", got.Message)
}
