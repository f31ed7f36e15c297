// Package protocol defines the tagged Request/Response/Event variants the
// dispatcher core exchanges with clients, and the engine-facing ScopedKey
// used to address settings and tasks. The variants' shapes are defined
// here; the JSON wire envelope is defined in codec.go of this package, and
// internal/transport only moves those frames over a WebSocket.
package protocol

import "github.com/mattjoyce/dispatchd/internal/client"

// ScopedKey addresses a setting or task by module and name. A ListenToValue
// key is matched exactly, Module included; only a KeyLookup text without a
// "module:" prefix is matched against the name in every module.
type ScopedKey struct {
	Module string
	Name   string
}

// Request is implemented by every request variant the Reader must
// recognize. It is a closed set by convention (all variants live in this
// file); exhaustive switches over Request are a correctness aid, not an
// extensibility point.
type Request interface {
	isRequest()
}

// ListenToEvents subscribes the sending client to global events.
type ListenToEvents struct{}

// ListenToBuildChange subscribes the sending client to build-structure
// change events.
type ListenToBuildChange struct{}

// ClientClosed is synthetic: the owning transport connection closed.
type ClientClosed struct{}

// KeyLookup parses text into zero or more ScopedKeys.
type KeyLookup struct {
	Text string
}

// ListenToValue subscribes to a key's value; if the key is task-valued,
// resolving it also schedules the task's rendered command for execution.
type ListenToValue struct {
	Key ScopedKey
}

// CommandCompletions is a tab-completion query.
type CommandCompletions struct {
	ID    uint64
	Line  string
	Level int
}

// Execution asks the engine to run a command line.
type Execution struct {
	Command string
}

// Cancel requests cancellation of whatever command is currently running.
// It carries no work id (see DESIGN.md's note on this open question):
// under the single-threaded engine there is at most one running command,
// so none is needed.
type Cancel struct{}

func (ListenToEvents) isRequest()      {}
func (ListenToBuildChange) isRequest() {}
func (ClientClosed) isRequest()        {}
func (KeyLookup) isRequest()           {}
func (ListenToValue) isRequest()       {}
func (CommandCompletions) isRequest()  {}
func (Execution) isRequest()           {}
func (Cancel) isRequest()              {}

// ServerRequest is the immutable tuple the Request Queue carries: who sent
// it, their correlation token, and what they asked for.
type ServerRequest struct {
	Client  client.Handle
	Serial  uint64
	Request Request
}
