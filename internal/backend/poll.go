package backend

// ABOUTME: Generic bounded-poll-with-timeout helper used uniformly by every
// ABOUTME: backend instead of ad hoc retry/wait loops.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by Poll when the condition never became true
// within the allotted time.
var ErrPollTimeout = errors.New("condition not met before timeout")

// Poll calls fn every interval until it returns true, ctx is cancelled, or
// timeout elapses. A non-nil error from fn aborts immediately. fn is called
// once before the first sleep so fast conditions settle without delay.
func Poll(ctx context.Context, interval, timeout time.Duration, fn func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)

	for {
		ok, err := fn(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w (waited %s)", ErrPollTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
