// Package engine implements the Engine Loop (spec.md §4.G/§4.H): the
// single strictly-sequential thread that pulls work via
// workqueue.TakeNextWork, executes it against the Build Engine, publishes
// the result, and notifies listeners — driven by a work-list of injected
// commands exactly as spec.md §9 describes ("reproduce this as a simple
// work-list of continuations the engine executes in order; no async
// primitives are required"). Grounded on the teacher's
// internal/dispatch.Dispatcher.Start loop and its post-job state-update
// hooks, adapted from subprocess execution to an in-process
// buildengine.Engine call.
package engine

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/enginestate"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/workqueue"
)

// Phase mirrors the state machine in spec.md §4.H.
type Phase int

const (
	Booting Phase = iota
	Idle
	Running
	Exiting
)

func (p Phase) String() string {
	switch p {
	case Booting:
		return "booting"
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// AuditSink records terminal command outcomes. Implemented by
// internal/auditlog; a write failure must be logged and swallowed, never
// allowed to affect the loop (SPEC_FULL.md §4.L).
type AuditSink interface {
	RecordSuccess(workID uint64, command string, requesterCount int)
	RecordFailure(workID uint64, command string, requesterCount int, err error)
}

type noopAudit struct{}

func (noopAudit) RecordSuccess(uint64, string, int)        {}
func (noopAudit) RecordFailure(uint64, string, int, error) {}

type lastCommand struct {
	workID     uint64
	command    string
	requesters map[client.Handle]struct{}
	cancel     context.CancelFunc
}

// command is one entry of the engine's continuation work-list.
type command func(ctx context.Context, l *Loop)

// Loop is the Engine Loop. Construct with New, then call Run once from
// its own goroutine.
type Loop struct {
	wq     *workqueue.Queue
	ref    *enginestate.Ref[*buildengine.State]
	build  buildengine.Engine
	events *events.Hub
	audit  AuditSink
	logger *slog.Logger

	phase      Phase
	last       *lastCommand
	cancelMu   chanMutex
	errHandler func(err error)
	pending    []command
	nextState  *buildengine.State
	lastFailed bool
}

// chanMutex is a one-slot mutex safe to lock from Cancel (any goroutine)
// without contending with the loop's own hot path, which never locks it
// except during the narrow window a command is actually running.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New constructs a Loop. audit may be nil, in which case outcomes are
// simply not recorded.
func New(wq *workqueue.Queue, ref *enginestate.Ref[*buildengine.State], build buildengine.Engine, hub *events.Hub, audit AuditSink) *Loop {
	if audit == nil {
		audit = noopAudit{}
	}
	return &Loop{
		wq:       wq,
		ref:      ref,
		build:    build,
		events:   hub,
		audit:    audit,
		logger:   log.WithComponent("engine"),
		phase:    Booting,
		cancelMu: newChanMutex(),
	}
}

// Phase returns the loop's current state, for metrics/tests.
func (l *Loop) Phase() Phase { return l.phase }

// Cancel signals the cancel handle of whatever command is currently
// running, best-effort (spec.md §5 "Cancellation"). Safe to call from any
// goroutine; a no-op if nothing is running.
func (l *Loop) Cancel() {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	if l.last != nil {
		l.last.cancel()
	}
}

// Run drives the loop until ctx is cancelled or an EndOfWork is consumed.
// initial is the BuildState produced by loading the build before the
// loop starts; it becomes the first published value (SendReadyForRequests).
func (l *Loop) Run(ctx context.Context, initial *buildengine.State) {
	l.pending = []command{sendReadyForRequests(initial)}
	l.errHandler = l.postCommandErrorHandler

	for {
		if ctx.Err() != nil {
			return
		}
		if len(l.pending) == 0 {
			l.pending = append(l.pending, handleNextServerRequest)
		}
		cmd := l.pending[0]
		l.pending = l.pending[1:]
		cmd(ctx, l)
		if l.phase == Exiting {
			return
		}
	}
}

func sendReadyForRequests(initial *buildengine.State) command {
	return func(ctx context.Context, l *Loop) {
		l.ref.Store(initial)
		l.phase = Idle
		l.logger.Info("build loaded, ready for requests")
		l.events.PublishValue(protocol.BuildLoaded{})
	}
}

func handleNextServerRequest(ctx context.Context, l *Loop) {
	_, w, err := l.wq.TakeNextWork(ctx)
	if err != nil {
		// ctx cancelled while waiting for work; Run's loop condition
		// will notice and exit on the next iteration.
		return
	}

	switch work := w.(type) {
	case *workqueue.CommandExecution:
		l.startCommand(ctx, work)
	case workqueue.EndOfWork:
		l.phase = Exiting
		l.logger.Info("end of work, engine loop exiting")
	default:
		l.logger.Warn("unrecognized work item", "type", work)
	}
}
