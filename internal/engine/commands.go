package engine

import (
	"context"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/workqueue"
)

// startCommand records LastCommand and runs the command, mirroring
// spec.md §4.G's "records last_command with cancel handle, then schedules
// the command's execution followed by the cleanup commands".
func (l *Loop) startCommand(ctx context.Context, work *workqueue.CommandExecution) {
	cctx, cancel := context.WithCancel(ctx)

	l.cancelMu.Lock()
	l.last = &lastCommand{
		workID:     work.ID,
		command:    work.Command,
		requesters: work.Requesters,
		cancel:     cancel,
	}
	l.cancelMu.Unlock()

	l.phase = Running
	l.logger.Info("running command", "work_id", work.ID, "command", work.Command)
	l.pending = append(l.pending, runCommand(cctx, work))
}

func runCommand(cctx context.Context, work *workqueue.CommandExecution) command {
	return func(ctx context.Context, l *Loop) {
		current, _ := l.ref.Load()
		next, err := l.build.Execute(cctx, current, work.Command)
		if err != nil {
			l.errHandler(err)
			return
		}
		l.nextState = next
		l.lastFailed = false
		l.pending = append(l.pending, postCommandCleanup)
	}
}

// postCommandCleanup publishes the latest BuildState and, if the command
// that just ran succeeded, emits ExecutionSuccess and any structure/value
// change notifications, then clears LastCommand and re-arms the loop —
// spec.md §4.G.
func postCommandCleanup(ctx context.Context, l *Loop) {
	prev, hadPrev := l.ref.Load()
	if l.nextState != nil {
		l.ref.Store(l.nextState)
	}

	if !l.lastFailed && l.last != nil {
		id := l.last.workID
		l.events.PublishValue(protocol.ExecutionSuccess{ID: id})
		l.audit.RecordSuccess(id, l.last.command, len(l.last.requesters))

		if hadPrev && l.nextState != nil {
			emitChanges(l, prev, l.nextState)
		}

		l.cancelMu.Lock()
		l.last = nil
		l.cancelMu.Unlock()
	}

	l.nextState = nil
	l.lastFailed = false
	l.phase = Idle
	l.pending = append(l.pending, handleNextServerRequest)
}

// postCommandErrorHandler is installed as the engine's failure callback.
// It completes the cancel handle, emits ExecutionFailure, clears
// LastCommand, then re-queues PostCommandCleanup so the loop resumes —
// spec.md §4.G. PostCommandCleanup is the sole re-armer of
// HandleNextServerRequest, on both the success and failure path; queuing
// it here too would dequeue two work items before either one's command
// actually ran. It reinstalls itself afterward since commands may replace
// the failure callback.
func (l *Loop) postCommandErrorHandler(err error) {
	if l.last != nil {
		l.cancelMu.Lock()
		l.last.cancel()
		id := l.last.workID
		command := l.last.command
		requesterCount := len(l.last.requesters)
		l.cancelMu.Unlock()

		l.events.PublishValue(protocol.ExecutionFailure{ID: id, Error: err.Error()})
		l.audit.RecordFailure(id, command, requesterCount, err)
		l.logger.Warn("command failed", "work_id", id, "command", command, "error", err)

		l.cancelMu.Lock()
		l.last = nil
		l.cancelMu.Unlock()
	}

	l.lastFailed = true
	l.errHandler = l.postCommandErrorHandler
	// Only postCommandCleanup is queued here, matching the success path in
	// runCommand: postCommandCleanup is the one place that re-arms
	// handleNextServerRequest. Queuing both here would re-arm twice,
	// letting the loop dequeue two work items before either one's
	// startCommand actually runs.
	l.pending = append(l.pending, postCommandCleanup)
}

// emitChanges compares prev and next, broadcasting BuildStructureChanged
// if the module list changed and ValueChange for every setting whose
// value changed. This is the concrete form of spec.md §4.G's "emits any
// build-structure-change notifications".
func emitChanges(l *Loop, prev, next *buildengine.State) {
	if !sameModules(prev.Structure.Modules, next.Structure.Modules) {
		l.events.PublishValue(protocol.BuildStructureChanged{Structure: next.Structure})
	}
	for k, v := range next.Settings {
		if old, ok := prev.Settings[k]; !ok || old != v {
			l.events.PublishValue(protocol.ValueChange{Key: k, Value: v})
		}
	}
}

func sameModules(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
