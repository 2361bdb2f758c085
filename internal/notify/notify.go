// Package notify delivers the "a job may now be runnable" broadcast to
// worker pools. Delivery is best effort: pools fall back to polling, so a
// missed or duplicated signal only affects pickup latency.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Channel is the broadcast channel name used by both backends. The enq
// schema's insert trigger notifies on it.
const Channel = "jobs:insert"

// ReconnectDelay is how long a listener waits before retrying a failed
// subscription.
const ReconnectDelay = 5 * time.Second

// Listener subscribes to the job-insert broadcast. Listen blocks until ctx
// is cancelled, calling onNotify for every signal received; cancelling ctx
// unsubscribes.
type Listener interface {
	Listen(ctx context.Context, onNotify func()) error
}

// Publisher emits the broadcast for backends where storage cannot do it
// itself.
type Publisher interface {
	Publish(ctx context.Context) error
}

// subscribeFunc holds one subscription open until it fails or ctx ends.
type subscribeFunc func(ctx context.Context, onNotify func()) error

// retryForever re-runs subscribe after every failure, waiting delay between
// attempts, until ctx is cancelled.
func retryForever(ctx context.Context, logger *zap.Logger, delay time.Duration, subscribe subscribeFunc, onNotify func()) error {
	for {
		err := subscribe(ctx, onNotify)
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("notify listener failed, retrying",
			zap.Duration("retry_in", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
