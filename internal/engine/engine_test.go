package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/enginestate"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/serverstate"
	"github.com/mattjoyce/dispatchd/internal/workqueue"
)

type fakeAudit struct {
	successes int
	failures  int
}

func (f *fakeAudit) RecordSuccess(uint64, string, int)        { f.successes++ }
func (f *fakeAudit) RecordFailure(uint64, string, int, error) { f.failures++ }

func newTestLoop(t *testing.T) (*Loop, *workqueue.Queue, *events.Hub) {
	t.Helper()
	stateRef := serverstate.NewRef()
	wq := workqueue.New(16, stateRef)
	ref := enginestate.NewRef[*buildengine.State]()
	eng := buildengine.NewInMemory(&buildengine.State{
		Settings:  map[buildengine.ScopedKey]any{},
		Tasks:     map[buildengine.ScopedKey]buildengine.TaskDef{},
		Structure: buildengine.BuildStructure{Modules: []string{"app"}},
	})
	hub := events.NewHub(32)
	l := New(wq, ref, eng, hub, &fakeAudit{})
	return l, wq, hub
}

func TestEngineLoopPublishesBuildLoadedThenProcessesWork(t *testing.T) {
	l, wq, hub := newTestLoop(t)
	ch, cancel := hub.Subscribe()
	defer cancel()

	c1 := client.New("c1", 4, 4)
	_ = wq.EnqueueRaw(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.Execution{Command: "ok"}})
	wq.PostEndOfWork()

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()

	done := make(chan struct{})
	go func() {
		l.Run(ctx, l.seed())
		close(done)
	}()

	var sawBuildLoaded, sawSuccess bool
	for !sawBuildLoaded || !sawSuccess {
		select {
		case ev := <-ch:
			switch ev.Type {
			case "BuildLoaded":
				sawBuildLoaded = true
			case "ExecutionSuccess":
				sawSuccess = true
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events; sawBuildLoaded=%v sawSuccess=%v", sawBuildLoaded, sawSuccess)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to exit after EndOfWork")
	}
	if l.Phase() != Exiting {
		t.Fatalf("expected Exiting phase, got %v", l.Phase())
	}
}

func TestEngineLoopEmitsExecutionFailure(t *testing.T) {
	l, wq, hub := newTestLoop(t)
	ch, cancel := hub.Subscribe()
	defer cancel()

	c1 := client.New("c1", 4, 4)
	_ = wq.EnqueueRaw(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.Execution{Command: "please fail"}})
	wq.PostEndOfWork()

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()

	go l.Run(ctx, l.seed())

	for {
		select {
		case ev := <-ch:
			if ev.Type == "ExecutionFailure" {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected ExecutionFailure event")
		}
	}
}

// TestEngineLoopResumesAfterFailure guards against postCommandErrorHandler
// re-arming HandleNextServerRequest twice (once itself, once via the
// postCommandCleanup it queues): a double re-arm would let the loop
// dequeue a second work item before the first dequeued item's command
// ever runs, so a command enqueued after a failing one would never get
// its ExecutionSuccess. W1 fails, W2 must still be executed and observed
// to succeed — spec.md §4.G / liveness property #6.
func TestEngineLoopResumesAfterFailure(t *testing.T) {
	l, wq, hub := newTestLoop(t)
	ch, cancel := hub.Subscribe()
	defer cancel()

	c1 := client.New("c1", 4, 4)
	c2 := client.New("c2", 4, 4)
	_ = wq.EnqueueRaw(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.Execution{Command: "please fail"}})
	_ = wq.EnqueueRaw(protocol.ServerRequest{Client: c2, Serial: 1, Request: protocol.Execution{Command: "ok"}})
	wq.PostEndOfWork()

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()

	go l.Run(ctx, l.seed())

	var sawFailure, sawSuccess bool
	for !sawFailure || !sawSuccess {
		select {
		case ev := <-ch:
			switch ev.Type {
			case "ExecutionFailure":
				sawFailure = true
			case "ExecutionSuccess":
				sawSuccess = true
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("loop stalled after failure: sawFailure=%v sawSuccess=%v", sawFailure, sawSuccess)
		}
	}
}

// seed is a test-only helper that extracts InMemory's initial state.
func (l *Loop) seed() *buildengine.State {
	return l.build.(*buildengine.InMemory).Seed()
}
