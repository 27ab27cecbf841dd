package v2_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	v2 "wormhole.dev/core/transfer/v2"
	"wormhole.dev/core/transit"
)

// pipeTransit builds a pair of *transit.Transit wired directly to each
// other's buffers, skipping the network connector entirely — this
// package only needs the record-stream abstraction, not a live
// rendezvous/transit handshake.
func pipeTransit(t *testing.T) (*transit.Transit, *transit.Transit) {
	t.Helper()
	return transit.NewTestPipe()
}

func TestSendReceiveMultiFile(t *testing.T) {
	sendSide, recvSide := pipeTransit(t)

	offer := v2.Offer{Files: map[string]*v2.OfferEntry{
		"a.txt": {Size: 5},
		"docs": {Entries: map[string]*v2.OfferEntry{
			"b.txt": {Size: 3},
		}},
	}}

	contents := map[string][]byte{
		"a.txt":      []byte("hello"),
		"docs/b.txt": []byte("hi!"),
	}

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- v2.Send(context.Background(), sendSide, offer, func(path []string) (io.ReadSeeker, error) {
			return bytes.NewReader(contents[v2.PathKey(path)]), nil
		})
	}()

	received := map[string]*bytes.Buffer{}
	_, err := v2.Receive(context.Background(), recvSide, func(o v2.Offer) (map[string]v2.AcceptInner, error) {
		decisions := map[string]v2.AcceptInner{}
		for _, path := range o.Paths() {
			key := v2.PathKey(path)
			buf := &bytes.Buffer{}
			received[key] = buf
			decisions[key] = v2.AcceptInner{
				NewSink: func(appendMode bool) (io.WriteCloser, error) {
					return nopCloser{buf}, nil
				},
			}
		}
		return decisions, nil
	})
	require.NoError(t, err)
	require.NoError(t, <-sendErrCh)

	for path, want := range contents {
		require.Equal(t, string(want), received[path].String())
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
