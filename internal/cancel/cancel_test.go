package cancel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"wormhole.dev/core/internal/cancel"
)

func TestRaceReturnsWorkResultWhenItFinishesFirst(t *testing.T) {
	cancelFired := make(chan struct{})
	err := cancel.Race(context.Background(), cancelFired, nil, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestRaceNotifiesPeerAndReturnsCancelledOnUserCancel(t *testing.T) {
	cancelFired := make(chan struct{})
	notified := make(chan struct{}, 1)
	workStarted := make(chan struct{})

	go func() {
		<-workStarted
		time.Sleep(10 * time.Millisecond)
		close(cancelFired)
	}()

	err := cancel.Race(context.Background(), cancelFired,
		func(ctx context.Context) error {
			notified <- struct{}{}
			return nil
		},
		func(ctx context.Context) error {
			close(workStarted)
			<-ctx.Done()
			return ctx.Err()
		},
	)

	require.ErrorIs(t, err, cancel.ErrCancelled)
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("notifyPeer was not called")
	}
}

func TestRacePropagatesParentContextCancellation(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	cancelFired := make(chan struct{})
	stop()

	err := cancel.Race(ctx, cancelFired, nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.True(t, errors.Is(err, context.Canceled))
}
