package asyncmix

import (
	"context"
	"errors"
	"testing"
	"time"
)

// isExpectedShutdownError returns true if err is an expected error from Run()
// when the loop is shut down (either via context cancellation or explicit
// Shutdown).
func isExpectedShutdownError(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrLoopTerminated)
}

// newTestLoop creates a loop, runs it on a background goroutine, and
// registers a cleanup that shuts it down and waits for Run to return.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()

	loop, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		if err := loop.Run(ctx); !isExpectedShutdownError(err) {
			t.Errorf("Run() unexpected error: %v", err)
		}
		close(runDone)
	}()

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := loop.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown() unexpected error: %v", err)
		}
		cancel()
		<-runDone
	})
	return loop
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}
