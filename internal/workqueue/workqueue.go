// Package workqueue implements the Engine-facing work-coalescing queue
// (spec.md §4.E): a bounded raw channel of ServerRequests feeding an
// ordered, deduplicated list of Work items, with TakeNextWork as the
// engine's sole way to pull work. The teacher's internal/queue.Queue has
// the same Enqueue/Dequeue/Complete shape; this is that shape stripped of
// SQLite persistence and given the spec's coalescing rule.
package workqueue

import (
	"context"
	"sync"

	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/faults"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/serverstate"
)

// Work is implemented by CommandExecution and EndOfWork, the only two
// things the Engine Loop ever pulls.
type Work interface {
	isWork()
}

// CommandExecution is a coalesced unit of work: one command line and
// every client that asked for it.
type CommandExecution struct {
	ID         uint64
	Command    string
	Requesters map[client.Handle]struct{}
}

// EndOfWork is the terminal poison pill that exits the Engine Loop
// cleanly.
type EndOfWork struct{}

func (*CommandExecution) isWork() {}
func (EndOfWork) isWork()         {}

// Queue holds the raw inbound channel and the ordered, deduplicated work
// list, guarded by one mutex that is never held across a blocking wait.
type Queue struct {
	raw      chan protocol.ServerRequest
	state    *serverstate.Ref
	onChange func()

	mu     sync.Mutex
	work   []Work
	nextID uint64
}

// New returns a Queue with the given raw-channel capacity, backed by
// state for the ServerState snapshot TakeNextWork returns alongside each
// item of work.
func New(rawCapacity int, state *serverstate.Ref) *Queue {
	return &Queue{
		raw:    make(chan protocol.ServerRequest, rawCapacity),
		state:  state,
		nextID: 1,
	}
}

// OnChange registers a callback invoked after work is appended or
// coalesced. Reserved extension point per spec.md §9 ("the work queue
// changed hook exists in the source but emits nothing"); nil by default,
// exercised only if a caller wires one.
func (q *Queue) OnChange(fn func()) { q.onChange = fn }

// EnqueueRaw adds a raw ServerRequest. Only the Reader calls this. Returns
// faults.ErrQueueFull on overflow.
func (q *Queue) EnqueueRaw(r protocol.ServerRequest) error {
	select {
	case q.raw <- r:
		return nil
	default:
		return faults.ErrQueueFull
	}
}

// PostEndOfWork enqueues the terminal sentinel directly onto the work
// list, bypassing raw (EndOfWork is not a client request and must never
// be coalesced). CommandExecutions absorbed afterwards are placed ahead of
// it, so EndOfWork is only taken once the work list is otherwise empty.
func (q *Queue) PostEndOfWork() {
	q.mu.Lock()
	q.work = append(q.work, EndOfWork{})
	q.mu.Unlock()
}

// TakeNextWork is the Engine's sole primitive for pulling work (spec.md
// §4.E). It drains everything currently queued in raw without blocking,
// coalescing Executions into work, then returns the head of work — or, if
// work is empty, blocks on raw for one more request before retrying. The
// mutex is never held during that blocking wait.
func (q *Queue) TakeNextWork(ctx context.Context) (*serverstate.State, Work, error) {
	for {
		q.drainNonBlocking()

		q.mu.Lock()
		if len(q.work) > 0 {
			w := q.work[0]
			q.work = q.work[1:]
			q.mu.Unlock()
			return q.state.Load(), w, nil
		}
		q.mu.Unlock()

		select {
		case r := <-q.raw:
			q.absorb(r)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (q *Queue) drainNonBlocking() {
	for {
		select {
		case r := <-q.raw:
			q.absorb(r)
		default:
			return
		}
	}
}

// absorb applies spec.md §4.E step 1 to one raw ServerRequest: coalesce
// if an identical command is already pending, otherwise append a new
// CommandExecution. Any non-Execution request observed here is an
// invariant violation — the Reader must never push anything else onto
// raw.
func (q *Queue) absorb(r protocol.ServerRequest) {
	exec, ok := r.Request.(protocol.Execution)
	if !ok {
		faults.Invariant("non-Execution request in work queue raw channel")
		return
	}

	q.mu.Lock()
	for _, w := range q.work {
		ce, ok := w.(*CommandExecution)
		if !ok || ce.Command != exec.Command {
			continue
		}
		if r.Client != nil {
			ce.Requesters[r.Client] = struct{}{}
		}
		id := ce.ID
		q.mu.Unlock()
		if r.Client != nil {
			r.Client.Reply(r.Serial, protocol.ExecutionRequestReceived{ID: id})
		}
		q.notifyChanged()
		return
	}

	id := q.nextID
	q.nextID++
	requesters := map[client.Handle]struct{}{}
	if r.Client != nil {
		requesters[r.Client] = struct{}{}
	}
	q.work = append(q.work, &CommandExecution{ID: id, Command: exec.Command, Requesters: requesters})
	// A posted EndOfWork stays at the tail, so executions already sent to
	// raw are run before the Engine exits.
	if n := len(q.work); n > 1 {
		if _, end := q.work[n-2].(EndOfWork); end {
			q.work[n-2], q.work[n-1] = q.work[n-1], q.work[n-2]
		}
	}
	q.mu.Unlock()

	if r.Client != nil {
		r.Client.Reply(r.Serial, protocol.ExecutionRequestReceived{ID: id})
	}
	q.notifyChanged()
}

func (q *Queue) notifyChanged() {
	if q.onChange != nil {
		q.onChange()
	}
}

// Len reports the current length of the coalesced work list. For metrics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.work)
}
