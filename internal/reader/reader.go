// Package reader implements the Reader Loop (spec.md §4.D): the
// non-blocking thread that classifies every inbound request, answers
// read-only ones directly against BuildState, and forwards execution
// work to the Work Queue. It is the sole writer of ServerState and reads
// BuildState from the Engine State Ref. Grounded on the teacher's
// internal/dispatch.Dispatcher consume loop and internal/api's listener
// notification idiom, generalized from "dispatch to a plugin" to "dequeue
// and classify a request".
package reader

import (
	"context"
	"time"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/enginestate"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/faults"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/reqqueue"
	"github.com/mattjoyce/dispatchd/internal/serverstate"
	"github.com/mattjoyce/dispatchd/internal/workqueue"
)

// Canceler is the narrow view of the Engine Loop the Reader needs to
// forward a Cancel request. Implemented by *engine.Loop.
type Canceler interface {
	Cancel()
}

// Config holds the Reader's tunables, mirroring spec.md §6's enumerated
// configuration fields.
type Config struct {
	BootPollInterval         time.Duration
	DeferredStartupCapacity  int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		BootPollInterval:        time.Second,
		DeferredStartupCapacity: 64,
	}
}

// Loop is the Reader Loop.
type Loop struct {
	reqQueue *reqqueue.Queue
	wq       *workqueue.Queue
	state    *serverstate.Ref
	engRef   *enginestate.Ref[*buildengine.State]
	build    buildengine.Engine
	hub      *events.Hub
	canceler Canceler
	logger   interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}

	cfg      Config
	deferred []protocol.ServerRequest
}

// New constructs a Reader Loop.
func New(reqQueue *reqqueue.Queue, wq *workqueue.Queue, state *serverstate.Ref, engRef *enginestate.Ref[*buildengine.State], build buildengine.Engine, hub *events.Hub, canceler Canceler, cfg Config) *Loop {
	return &Loop{
		reqQueue: reqQueue,
		wq:       wq,
		state:    state,
		engRef:   engRef,
		build:    build,
		hub:      hub,
		canceler: canceler,
		logger:   log.WithComponent("reader"),
		cfg:      cfg,
	}
}

// Run executes Phase 1 (pre-build), Phase 2 (boot handover), then Phase 3
// (steady state) in order, returning only when ctx is done.
func (r *Loop) Run(ctx context.Context) {
	r.phase1(ctx)
	if ctx.Err() != nil {
		return
	}
	r.phase2(ctx)
	if ctx.Err() != nil {
		return
	}
	r.phase3(ctx)
}

// phase1 polls with a timeout until the Engine State Ref is published,
// deferring anything that isn't immediately safe to handle before boot.
func (r *Loop) phase1(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, ok := r.engRef.Load(); ok {
			return
		}
		req, ok := r.reqQueue.Poll(r.cfg.BootPollInterval)
		if !ok {
			continue
		}
		r.safely("phase1", func() { r.classifyPreBuild(req) })
	}
}

func (r *Loop) classifyPreBuild(req protocol.ServerRequest) {
	switch req.Request.(type) {
	case protocol.ListenToEvents:
		// Do not yet emit NowListening; the build isn't up.
		r.addEventListener(req.Client)
	case protocol.ClientClosed:
		r.disconnect(req.Client)
	case protocol.Execution:
		if err := r.wq.EnqueueRaw(req); err != nil {
			r.replyQueueFull(req)
		}
	default:
		if len(r.deferred) >= r.cfg.DeferredStartupCapacity {
			r.replyQueueFull(req)
			return
		}
		r.deferred = append(r.deferred, req)
	}
}

// phase2 is the one-shot boot handover: broadcast NowListening, then
// drain the deferred buffer through the Phase 3 dispatcher.
func (r *Loop) phase2(ctx context.Context) {
	for _, c := range r.state.Load().EventListeners() {
		c.Send(protocol.NowListening{})
	}

	deferred := r.deferred
	r.deferred = nil
	for _, req := range deferred {
		r.dispatch(ctx, req)
	}
}

// phase3 blocks on the Request Queue and dispatches every request by
// variant, per the table in spec.md §4.D.
func (r *Loop) phase3(ctx context.Context) {
	for {
		req, err := r.reqQueue.Dequeue(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, req)
	}
}

func (r *Loop) safely(phase string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if iv, ok := rec.(*faults.InvariantViolation); ok {
				panic(iv)
			}
			r.logger.Warn("unreported failure in reader hot path", "phase", phase, "error", rec)
		}
	}()
	fn()
}

func (r *Loop) addEventListener(c client.Handle) {
	if c == nil {
		return
	}
	r.state.Store(r.state.Load().AddEventListener(c))
}

func (r *Loop) addBuildListener(c client.Handle) {
	if c == nil {
		return
	}
	r.state.Store(r.state.Load().AddBuildListener(c))
}

func (r *Loop) addKeyListener(c client.Handle, k protocol.ScopedKey) {
	if c == nil {
		return
	}
	r.state.Store(r.state.Load().AddKeyListener(c, k))
}

func (r *Loop) disconnect(c client.Handle) {
	if c == nil {
		return
	}
	r.state.Store(r.state.Load().Disconnect(c))
}

func (r *Loop) replyQueueFull(req protocol.ServerRequest) {
	if req.Client != nil {
		req.Client.Reply(req.Serial, protocol.ErrorResponse{Message: "queue full"})
	}
}
