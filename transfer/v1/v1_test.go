package v1_test

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"wormhole.dev/core/rendezvous/rendezvoustest"
	"wormhole.dev/core/transit"
	v1 "wormhole.dev/core/transfer/v1"
	"wormhole.dev/core/wormhole"
)

const testAppID = "wormhole.dev/core/test-xfer"

func connectedWormholes(t *testing.T, ctx context.Context) (*wormhole.Wormhole, *wormhole.Wormhole, func()) {
	t.Helper()
	srv := rendezvoustest.NewServer()

	type openResult struct {
		wh       *wormhole.Wormhole
		fullCode string
		err      error
	}
	openCh := make(chan openResult, 1)
	go func() {
		wh, fullCode, err := wormhole.Open(ctx, srv.URL(), testAppID, "7-pennant-medusa", nil)
		openCh <- openResult{wh, fullCode, err}
	}()

	opened := <-openCh
	require.NoError(t, opened.err)

	joined, err := wormhole.Join(ctx, srv.URL(), testAppID, opened.fullCode, nil)
	require.NoError(t, err)

	return opened.wh, joined, srv.Close
}

func noSTUNConfig() transit.Config {
	return transit.Config{DisableSTUN: true}
}

func fullAbilities() transit.Abilities {
	return transit.Abilities{DirectTCPv1: true}
}

func TestSendReceiveMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, receiver, closeSrv := connectedWormholes(t, ctx)
	defer closeSrv()

	errCh := make(chan error, 1)
	go func() { errCh <- v1.SendMessage(ctx, sender, "hello from the other side") }()

	var dst bytes.Buffer
	got, err := v1.Receive(ctx, receiver, noSTUNConfig(), fullAbilities(), &dst)
	require.NoError(t, err)
	require.NotNil(t, got.Message)
	require.Equal(t, "hello from the other side", *got.Message)
	require.NoError(t, <-errCh)
}

func TestSendReceiveFileIntegrity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, receiver, closeSrv := connectedWormholes(t, ctx)
	defer closeSrv()

	payload := bytes.Repeat([]byte("the-rain-in-spain-"), 4096)

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- v1.SendFile(ctx, sender, noSTUNConfig(), fullAbilities(), "rain.txt", int64(len(payload)), bytes.NewReader(payload))
	}()

	var dst bytes.Buffer
	received, err := v1.Receive(ctx, receiver, noSTUNConfig(), fullAbilities(), &dst)
	require.NoError(t, err)
	require.NotNil(t, received.Offer.File)
	require.Equal(t, "rain.txt", received.Offer.File.Filename)
	require.Equal(t, payload, dst.Bytes())
	require.NoError(t, <-sendErrCh)
}

func TestSendReceiveDirectory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, receiver, closeSrv := connectedWormholes(t, ctx)
	defer closeSrv()

	files := map[string]string{
		"a.txt":       "aaaa",
		"sub/b.txt":   "bbbbbbbb",
	}
	walk := func(tw *tar.Writer) error {
		for name, body := range files {
			if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o644}); err != nil {
				return err
			}
			if _, err := tw.Write([]byte(body)); err != nil {
				return err
			}
		}
		return nil
	}

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- v1.SendDirectory(ctx, sender, noSTUNConfig(), fullAbilities(), "project", walk)
	}()

	var dst bytes.Buffer
	received, err := v1.Receive(ctx, receiver, noSTUNConfig(), fullAbilities(), &dst)
	require.NoError(t, err)
	require.NotNil(t, received.Offer.Directory)
	require.Equal(t, "project", received.Offer.Directory.Dirname)

	tr := tar.NewReader(bytes.NewReader(dst.Bytes()))
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		buf := make([]byte, hdr.Size)
		_, _ = tr.Read(buf)
		got[hdr.Name] = string(buf)
	}
	require.Equal(t, files, got)
	require.NoError(t, <-sendErrCh)
}
