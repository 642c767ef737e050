// Package signal turns SIGINT/SIGTERM into a cooperative stop for the
// training loop.
//
// The first signal runs the interrupt callback and cancels the context; the
// loop then finishes its current tick and saves. Handling is removed at that
// point, so a second signal terminates the process the default way.
package signal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SetupSignalHandler registers SIGINT and SIGTERM handlers.
// When a signal is received, it calls the onInterrupt callback (if non-nil),
// then cancels the context.
//
// The returned stop function unregisters the handler; it is also removed
// when ctx is done.
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	stop := signal.SetupSignalHandler(ctx, cancel, func() {
//	    logging.Warn("Interrupted, finishing current tick...")
//	})
//	defer stop()
func SetupSignalHandler(ctx context.Context, cancel context.CancelFunc, onInterrupt func()) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}

	go func() {
		select {
		case <-sigCh:
			signal.Stop(sigCh)
			if onInterrupt != nil {
				onInterrupt()
			}
			cancel()
		case <-ctx.Done():
			signal.Stop(sigCh)
		case <-done:
		}
	}()
	return stop
}
