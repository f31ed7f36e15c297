package reader

import (
	"context"
	"testing"
	"time"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/enginestate"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/reqqueue"
	"github.com/mattjoyce/dispatchd/internal/serverstate"
	"github.com/mattjoyce/dispatchd/internal/workqueue"
)

type fakeEngine struct {
	resolve    func(string) []buildengine.ScopedKey
	lookup     func(buildengine.ScopedKey) (any, bool)
	render     func(buildengine.ScopedKey) (string, bool)
	complete   func(string, int) []string
}

func (f *fakeEngine) ResolveKey(text string) []buildengine.ScopedKey {
	if f.resolve != nil {
		return f.resolve(text)
	}
	return nil
}
func (f *fakeEngine) Lookup(k buildengine.ScopedKey) (any, bool) {
	if f.lookup != nil {
		return f.lookup(k)
	}
	return nil, false
}
func (f *fakeEngine) RenderCommand(k buildengine.ScopedKey) (string, bool) {
	if f.render != nil {
		return f.render(k)
	}
	return "", false
}
func (f *fakeEngine) Complete(line string, level int) []string {
	if f.complete != nil {
		return f.complete(line, level)
	}
	return nil
}
func (f *fakeEngine) Execute(ctx context.Context, s *buildengine.State, cmd string) (*buildengine.State, error) {
	return s, nil
}

type fakeCanceler struct{ called int }

func (f *fakeCanceler) Cancel() { f.called++ }

func newTestReader(t *testing.T, eng buildengine.Engine) (*Loop, *reqqueue.Queue, *workqueue.Queue, *enginestate.Ref[*buildengine.State], *serverstate.Ref) {
	t.Helper()
	rq := reqqueue.New(16)
	stateRef := serverstate.NewRef()
	wq := workqueue.New(16, stateRef)
	engRef := enginestate.NewRef[*buildengine.State]()
	hub := events.NewHub(16)
	cfg := DefaultConfig()
	cfg.BootPollInterval = 20 * time.Millisecond
	l := New(rq, wq, stateRef, engRef, eng, hub, &fakeCanceler{}, cfg)
	return l, rq, wq, engRef, stateRef
}

func TestBootTimeDefer(t *testing.T) {
	l, rq, _, engRef, _ := newTestReader(t, &fakeEngine{
		resolve: func(string) []buildengine.ScopedKey { return []buildengine.ScopedKey{{Module: "m", Name: "compile"}} },
	})

	c1 := client.New("c1", 8, 8)
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.KeyLookup{Text: "compile"}})
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 2, Request: protocol.ListenToEvents{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Let phase1 observe both requests before the build comes up.
	time.Sleep(50 * time.Millisecond)
	engRef.Store(&buildengine.State{Structure: buildengine.BuildStructure{Modules: []string{"m"}}})

	var first any
	select {
	case first = <-c1.Events():
	case <-time.After(time.Second):
		t.Fatal("expected an event after boot handover")
	}
	if _, ok := first.(protocol.NowListening); !ok {
		t.Fatalf("expected NowListening first, got %T", first)
	}

	var reply client.Reply
	select {
	case reply = <-c1.Replies():
	case <-time.After(time.Second):
		t.Fatal("expected the deferred KeyLookup reply after boot handover")
	}
	resp, ok := reply.Response.(protocol.KeyLookupResponse)
	if !ok || resp.Text != "compile" {
		t.Fatalf("expected KeyLookupResponse for 'compile', got %+v", reply.Response)
	}
}

func TestDisconnectCleanup(t *testing.T) {
	l, rq, _, engRef, stateRef := newTestReader(t, &fakeEngine{
		lookup: func(buildengine.ScopedKey) (any, bool) { return "v", true },
	})
	engRef.Store(&buildengine.State{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	c1 := client.New("c1", 8, 8)
	key := protocol.ScopedKey{Module: "m", Name: "k"}
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.ListenToEvents{}})
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 2, Request: protocol.ListenToBuildChange{}})
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 3, Request: protocol.ListenToValue{Key: key}})
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 4, Request: protocol.ClientClosed{}})

	time.Sleep(100 * time.Millisecond)

	s := stateRef.Load()
	if len(s.EventListeners()) != 0 || len(s.BuildListeners()) != 0 || len(s.KeyListeners(key)) != 0 {
		t.Fatalf("expected client fully removed from all listener sets, got event=%d build=%d key=%d",
			len(s.EventListeners()), len(s.BuildListeners()), len(s.KeyListeners(key)))
	}
}

func TestTaskValuedListenForwardsSyntheticExecution(t *testing.T) {
	l, rq, wq, engRef, _ := newTestReader(t, &fakeEngine{
		lookup: func(buildengine.ScopedKey) (any, bool) { return nil, false },
		render: func(buildengine.ScopedKey) (string, bool) { return "go build", true },
	})
	engRef.Store(&buildengine.State{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	c1 := client.New("c1", 8, 8)
	key := protocol.ScopedKey{Module: "m", Name: "build"}
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.ListenToValue{Key: key}})

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	_, w, err := wq.TakeNextWork(wctx)
	if err != nil {
		t.Fatalf("expected a synthetic Execution to reach the work queue: %v", err)
	}
	ce, ok := w.(*workqueue.CommandExecution)
	if !ok || ce.Command != "go build" {
		t.Fatalf("expected CommandExecution('go build'), got %+v", w)
	}
}

func TestHandlerExceptionRecovery(t *testing.T) {
	l, rq, _, engRef, _ := newTestReader(t, &fakeEngine{
		resolve: func(string) []buildengine.ScopedKey { panic("boom") },
	})
	engRef.Store(&buildengine.State{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	c1 := client.New("c1", 8, 8)
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.KeyLookup{Text: "x"}})

	select {
	case reply := <-c1.Replies():
		if _, ok := reply.Response.(protocol.ErrorResponse); !ok {
			t.Fatalf("expected ErrorResponse, got %T", reply.Response)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ErrorResponse reply")
	}

	// The Reader must still be alive for subsequent requests.
	c2 := client.New("c2", 8, 8)
	_ = rq.Enqueue(protocol.ServerRequest{Client: c2, Serial: 1, Request: protocol.ListenToEvents{}})
	select {
	case ev := <-c2.Events():
		if _, ok := ev.(protocol.NowListening); !ok {
			t.Fatalf("expected NowListening, got %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("reader did not process a request after a handler exception")
	}
}

// TestPhase2BroadcastsNowListeningToEveryEventListener guards the boot
// handover (spec.md §4.D Phase 2): every client that called ListenToEvents
// before the build came up must be sent NowListening once it does,
// regardless of how many such clients there are.
func TestPhase2BroadcastsNowListeningToEveryEventListener(t *testing.T) {
	l, rq, _, engRef, _ := newTestReader(t, &fakeEngine{})

	c1 := client.New("c1", 8, 8)
	c2 := client.New("c2", 8, 8)
	_ = rq.Enqueue(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.ListenToEvents{}})
	_ = rq.Enqueue(protocol.ServerRequest{Client: c2, Serial: 1, Request: protocol.ListenToEvents{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Let phase1 observe both subscriptions before the build comes up.
	time.Sleep(50 * time.Millisecond)
	engRef.Store(&buildengine.State{Structure: buildengine.BuildStructure{Modules: []string{"m"}}})

	for _, c := range []*client.Conn{c1, c2} {
		select {
		case ev := <-c.Events():
			if _, ok := ev.(protocol.NowListening); !ok {
				t.Fatalf("expected NowListening for %s, got %T", c.ID(), ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected NowListening broadcast to reach %s after boot handover", c.ID())
		}
	}
}
