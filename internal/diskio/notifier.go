// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package diskio

import "context"

// Notifier lets a caller observe two distinct points in a FlushTask's
// life: the moment it is enqueued (accepted by the flusher's work queue)
// and the moment the write actually completes. The push handler's ack
// join-point only needs the former — flushing itself is asynchronous.
type Notifier struct {
	enqueued chan struct{}
	done     chan error
}

// NewNotifier returns a Notifier ready to be passed into a FlushTask.
func NewNotifier() *Notifier {
	return &Notifier{
		enqueued: make(chan struct{}),
		done:     make(chan error, 1),
	}
}

// MarkEnqueued signals that the task has been accepted into the queue.
// Idempotent; safe to call at most meaningfully once.
func (n *Notifier) MarkEnqueued() {
	select {
	case <-n.enqueued:
	default:
		close(n.enqueued)
	}
}

// Complete signals that the write finished, successfully or not.
func (n *Notifier) Complete(err error) {
	select {
	case n.done <- err:
	default:
	}
}

// WaitEnqueued blocks until MarkEnqueued or ctx cancellation.
func (n *Notifier) WaitEnqueued(ctx context.Context) error {
	select {
	case <-n.enqueued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitDone blocks until Complete or ctx cancellation.
func (n *Notifier) WaitDone(ctx context.Context) error {
	select {
	case err := <-n.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
