package reader

import (
	"context"
	"fmt"

	"github.com/mattjoyce/dispatchd/internal/faults"
	"github.com/mattjoyce/dispatchd/internal/protocol"
)

// dispatch services one steady-state request per the table in spec.md
// §4.D/§6. A panic from a handler becomes an ErrorResponse to the
// originator (HandlerException, spec.md §7); the Reader itself survives.
// InvariantViolation panics are never caught here — they propagate and
// crash the process, per spec.md's "fatal... never silently skipped".
func (r *Loop) dispatch(ctx context.Context, req protocol.ServerRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			if iv, ok := rec.(*faults.InvariantViolation); ok {
				panic(iv)
			}
			r.logger.Error("handler exception", "error", rec)
			if req.Client != nil {
				req.Client.Reply(req.Serial, protocol.ErrorResponse{Message: fmt.Sprint(rec)})
			}
		}
	}()

	switch v := req.Request.(type) {
	case protocol.ListenToEvents:
		if req.Client != nil {
			req.Client.Send(protocol.NowListening{})
		}
		r.addEventListener(req.Client)

	case protocol.ListenToBuildChange:
		r.addBuildListener(req.Client)
		state, _ := r.engRef.Load()
		var structure any
		if state != nil {
			structure = state.Structure
		}
		if req.Client != nil {
			req.Client.Reply(req.Serial, structure)
		}

	case protocol.ClientClosed:
		r.disconnect(req.Client)

	case protocol.KeyLookup:
		keys := r.build.ResolveKey(v.Text)
		if req.Client != nil {
			req.Client.Reply(req.Serial, protocol.KeyLookupResponse{Text: v.Text, Keys: keys})
		}

	case protocol.ListenToValue:
		r.handleListenToValue(req, v)

	case protocol.CommandCompletions:
		completions := r.build.Complete(v.Line, v.Level)
		if req.Client != nil {
			req.Client.Reply(req.Serial, protocol.CommandCompletionsResponse{ID: v.ID, Completions: completions})
		}

	case protocol.Execution:
		if err := r.wq.EnqueueRaw(req); err != nil {
			r.replyQueueFull(req)
		}

	case protocol.Cancel:
		if r.canceler != nil {
			r.canceler.Cancel()
		}

	default:
		faults.Invariant(fmt.Sprintf("unrecognized request variant %T in steady state", v))
	}
}

// handleListenToValue implements spec.md §6's ListenToValue row: a
// setting answers with its current value; a task adds the listener and
// forwards a synthetic Execution for its rendered command.
func (r *Loop) handleListenToValue(req protocol.ServerRequest, v protocol.ListenToValue) {
	if val, ok := r.build.Lookup(v.Key); ok {
		if req.Client != nil {
			req.Client.Reply(req.Serial, protocol.ValueChange{Key: v.Key, Value: val})
		}
		r.addKeyListener(req.Client, v.Key)
		return
	}

	cmd, ok := r.build.RenderCommand(v.Key)
	if !ok {
		if req.Client != nil {
			req.Client.Reply(req.Serial, protocol.KeyNotFoundResponse{Key: v.Key})
		}
		return
	}

	r.addKeyListener(req.Client, v.Key)
	synthetic := protocol.ServerRequest{
		Client:  req.Client,
		Serial:  req.Serial,
		Request: protocol.Execution{Command: cmd},
	}
	if err := r.wq.EnqueueRaw(synthetic); err != nil {
		r.replyQueueFull(req)
	}
}
