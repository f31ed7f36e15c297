// Package reqqueue implements the bounded FIFO of ServerRequest values
// that feeds the Reader loop (spec.md §4.C). Transport connections are the
// producers; the Reader is the sole consumer. Unlike the teacher's
// internal/queue, which persists its job_queue table to SQLite, this
// queue is deliberately memory-only, per spec.md §6 ("Persisted state:
// none") — a bounded Go channel is the idiomatic stand-in.
package reqqueue

import (
	"context"
	"time"

	"github.com/mattjoyce/dispatchd/internal/faults"
	"github.com/mattjoyce/dispatchd/internal/protocol"
)

// Queue is a bounded FIFO of ServerRequest, safe for concurrent enqueue.
type Queue struct {
	ch chan protocol.ServerRequest
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan protocol.ServerRequest, capacity)}
}

// Enqueue adds r to the queue. Returns faults.ErrQueueFull if the queue is
// at capacity; it never blocks and never drops silently.
func (q *Queue) Enqueue(r protocol.ServerRequest) error {
	select {
	case q.ch <- r:
		return nil
	default:
		return faults.ErrQueueFull
	}
}

// Dequeue blocks until a request is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (protocol.ServerRequest, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-ctx.Done():
		return protocol.ServerRequest{}, ctx.Err()
	}
}

// Poll waits up to timeout for a request, matching the Reader's Phase 1
// poll-with-timeout loop (spec.md §4.D). Returns ok=false on timeout.
func (q *Queue) Poll(timeout time.Duration) (req protocol.ServerRequest, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-q.ch:
		return r, true
	case <-timer.C:
		return protocol.ServerRequest{}, false
	}
}

// Len reports the number of requests currently queued. Approximate under
// concurrent use; intended for metrics, not control flow.
func (q *Queue) Len() int { return len(q.ch) }
