// Package dispatcher wires the Request Queue, Work Queue, Server State,
// Engine State Ref, Reader Loop, and Engine Loop into one runnable unit.
// It holds no domain logic of its own — it is construction and lifecycle
// glue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/enginestate"
	"github.com/mattjoyce/dispatchd/internal/engine"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/protocol"
	"github.com/mattjoyce/dispatchd/internal/reader"
	"github.com/mattjoyce/dispatchd/internal/reqqueue"
	"github.com/mattjoyce/dispatchd/internal/serverstate"
	"github.com/mattjoyce/dispatchd/internal/workqueue"
)

// Config bundles the dispatcher core's tunables, matching spec.md §6.
type Config struct {
	RequestQueueCapacity int
	WorkRawCapacity      int
	Reader               reader.Config
}

// DefaultConfig returns spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		RequestQueueCapacity: 0, // 0 means "use largeRequestQueueCapacity" (see New)
		WorkRawCapacity:      10,
		Reader:               reader.DefaultConfig(),
	}
}

// Dispatcher is the assembled dispatcher core plus its event hub and
// audit sink, ready to Run.
type Dispatcher struct {
	Requests *reqqueue.Queue
	Work     *workqueue.Queue
	State    *serverstate.Ref
	EngRef   *enginestate.Ref[*buildengine.State]
	Events   *events.Hub

	reader *reader.Loop
	engine *engine.Loop

	wg sync.WaitGroup
}

const largeRequestQueueCapacity = 4096

// New assembles a Dispatcher from its collaborators. build is the
// external build-engine collaborator (spec.md §1); audit may be nil.
func New(cfg Config, build buildengine.Engine, audit engine.AuditSink) *Dispatcher {
	if cfg.RequestQueueCapacity <= 0 {
		cfg.RequestQueueCapacity = largeRequestQueueCapacity
	}

	requests := reqqueue.New(cfg.RequestQueueCapacity)
	state := serverstate.NewRef()
	work := workqueue.New(cfg.WorkRawCapacity, state)
	engRef := enginestate.NewRef[*buildengine.State]()
	hub := events.NewHub(256)

	engLoop := engine.New(work, engRef, build, hub, audit)
	readerLoop := reader.New(requests, work, state, engRef, build, hub, engLoop, cfg.Reader)

	return &Dispatcher{
		Requests: requests,
		Work:     work,
		State:    state,
		EngRef:   engRef,
		Events:   hub,
		reader:   readerLoop,
		engine:   engLoop,
	}
}

// Run starts the Reader Loop and the Engine Loop, each on its own
// goroutine, and blocks until ctx is done and both have returned. initial
// is the BuildState the Engine publishes on boot.
func (d *Dispatcher) Run(ctx context.Context, initial *buildengine.State) {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.engine.Run(ctx, initial)
	}()
	go func() {
		defer d.wg.Done()
		d.reader.Run(ctx)
	}()
	d.wg.Wait()
}

// Shutdown posts EndOfWork so the Engine Loop exits cleanly, matching
// spec.md §4.G's terminal poison pill; the Reader exits on ctx
// cancellation, which the caller still owns.
func (d *Dispatcher) Shutdown() {
	d.Work.PostEndOfWork()
}

// Submit enqueues a ServerRequest as if it arrived from a transport
// connection. Transport implementations call this directly.
func (d *Dispatcher) Submit(req protocol.ServerRequest) error {
	return d.Requests.Enqueue(req)
}

// RequestQueueLen implements controlapi.Stats.
func (d *Dispatcher) RequestQueueLen() int { return d.Requests.Len() }

// WorkQueueLen implements controlapi.Stats.
func (d *Dispatcher) WorkQueueLen() int { return d.Work.Len() }

// EventListenerCount implements controlapi.Stats.
func (d *Dispatcher) EventListenerCount() int { return len(d.State.Load().EventListeners()) }

// BuildListenerCount implements controlapi.Stats.
func (d *Dispatcher) BuildListenerCount() int { return len(d.State.Load().BuildListeners()) }

// BuildStateAge implements controlapi.Stats.
func (d *Dispatcher) BuildStateAge() (time.Duration, bool) { return d.EngRef.Age() }
