package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/client"
	"github.com/mattjoyce/dispatchd/internal/protocol"
)

func TestCoalescingEndToEnd(t *testing.T) {
	build := buildengine.NewInMemory(&buildengine.State{
		Settings: map[buildengine.ScopedKey]any{},
		Tasks:    map[buildengine.ScopedKey]buildengine.TaskDef{},
	})

	cfg := DefaultConfig()
	cfg.Reader.BootPollInterval = 20 * time.Millisecond
	d := New(cfg, build, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx, build.Seed())

	c1 := client.New("c1", 8, 8)
	c2 := client.New("c2", 8, 8)

	// Give the engine a moment to publish its first BuildState so both
	// requests land in steady state rather than the pre-build defer path.
	time.Sleep(50 * time.Millisecond)

	if err := d.Submit(protocol.ServerRequest{Client: c1, Serial: 1, Request: protocol.Execution{Command: "test"}}); err != nil {
		t.Fatalf("submit c1: %v", err)
	}
	if err := d.Submit(protocol.ServerRequest{Client: c2, Serial: 1, Request: protocol.Execution{Command: "test"}}); err != nil {
		t.Fatalf("submit c2: %v", err)
	}

	reply1 := recvReply(t, c1)
	reply2 := recvReply(t, c2)

	id1, ok1 := reply1.Response.(protocol.ExecutionRequestReceived)
	id2, ok2 := reply2.Response.(protocol.ExecutionRequestReceived)
	if !ok1 || !ok2 {
		t.Fatalf("expected ExecutionRequestReceived replies, got %+v and %+v", reply1, reply2)
	}
	if id1.ID != id2.ID {
		t.Fatalf("expected coalesced commands to share an id, got %d and %d", id1.ID, id2.ID)
	}

	d.Shutdown()
}

func recvReply(t *testing.T, c *client.Conn) client.Reply {
	t.Helper()
	select {
	case r := <-c.Replies():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return client.Reply{}
	}
}
