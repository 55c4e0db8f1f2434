// Package transport holds helpers shared by the WebSocket transports.
package transport

import (
	"context"
	"time"
)

// BindDeadline applies the deadline of ctx through set and forces an
// immediate deadline when ctx is cancelled. The returned func must be
// called once the guarded operation finished.
func BindDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)
	if ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = set(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// ContextErr returns the error of ctx for an operation that failed while
// bound to it, or nil when ctx is still live. A passed deadline counts
// even before ctx itself reports it.
func ContextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}
