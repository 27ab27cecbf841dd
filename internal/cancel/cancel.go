// Package cancel provides the one boundary-layer helper for racing a
// user cancel signal against a long-running protocol operation, with a
// bounded grace period to notify the peer before tearing down.
package cancel

import (
	"context"
	"errors"
	"time"
)

// ErrCancelled is returned when the user's cancel channel fires before
// work completes.
var ErrCancelled = errors.New("cancel: operation cancelled by caller")

// GracePeriod bounds how long notifyPeer is given to deliver a final
// error to the peer before Race gives up and returns anyway.
const GracePeriod = 3 * time.Second

// Race runs work in its own goroutine and waits for either it to
// finish or cancelFired to close first. On cancellation it calls
// notifyPeer (best-effort, bounded by GracePeriod) before returning
// ErrCancelled; work's context is cancelled either way so it can stop
// promptly.
func Race(ctx context.Context, cancelFired <-chan struct{}, notifyPeer func(context.Context) error, work func(context.Context) error) error {
	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	doneCh := make(chan error, 1)
	go func() { doneCh <- work(workCtx) }()

	select {
	case err := <-doneCh:
		if err != nil && notifyPeer != nil {
			notifyWithGrace(notifyPeer)
		}
		return err
	case <-cancelFired:
		stop()
		<-doneCh // work must observe workCtx's cancellation and return
		if notifyPeer != nil {
			notifyWithGrace(notifyPeer)
		}
		return ErrCancelled
	case <-ctx.Done():
		stop()
		<-doneCh
		return ctx.Err()
	}
}

func notifyWithGrace(notifyPeer func(context.Context) error) {
	graceCtx, cancel := context.WithTimeout(context.Background(), GracePeriod)
	defer cancel()
	_ = notifyPeer(graceCtx) // best effort; the original error still wins
}
