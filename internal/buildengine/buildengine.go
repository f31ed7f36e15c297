// Package buildengine is the external collaborator the dispatcher core
// depends on but does not implement (spec.md §1: "the build engine
// itself... compilation, key resolution, completion" is out of scope).
// Engine is the narrow interface the Engine Loop calls through; InMemory
// is a reference implementation good enough to exercise every dispatcher
// code path end to end without a real build tool behind it, grounded on
// the teacher's internal/dispatch.Dispatcher.executeJob — adapted from
// spawning a plugin subprocess to simulating work in-process.
package buildengine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/dispatchd/internal/protocol"
)

// ScopedKey addresses a setting or task by module and name. It is an
// alias of protocol.ScopedKey so Reader code can pass keys straight
// through without conversion.
type ScopedKey = protocol.ScopedKey

// TaskDef is a resolved task: a key plus the command line it renders to.
type TaskDef struct {
	Key     ScopedKey
	Command string
}

// BuildStructure is the summary handed to ListenToBuildChange repliers
// and broadcast on BuildStructureChanged.
type BuildStructure struct {
	Modules []string
}

// State is the concrete BuildState described in SPEC_FULL.md §3: the
// opaque, read-only-to-the-Reader snapshot the Engine produces after
// every command.
type State struct {
	Settings  map[ScopedKey]any
	Tasks     map[ScopedKey]TaskDef
	Structure BuildStructure
}

// Clone returns a deep-enough copy of s for the Engine to mutate while
// executing a command without touching the previously published State
// (which the Reader may still be reading).
func (s *State) Clone() *State {
	return &State{
		Settings:  maps.Clone(s.Settings),
		Tasks:     maps.Clone(s.Tasks),
		Structure: BuildStructure{Modules: append([]string(nil), s.Structure.Modules...)},
	}
}

// Engine is the collaborator interface the dispatcher core requires
// (spec.md §6). Implementations may resolve against a real build graph;
// InMemory below is the reference stand-in.
type Engine interface {
	ResolveKey(text string) []ScopedKey
	Lookup(key ScopedKey) (any, bool)
	RenderCommand(key ScopedKey) (string, bool)
	Complete(line string, level int) []string
	Execute(ctx context.Context, state *State, command string) (*State, error)
}

// InMemory is a reference Engine backed by a State seeded at
// construction (typically from internal/config). Execute never touches a
// real compiler: it sleeps proportionally to the command's length and
// deterministically fails any command containing "fail", which exists
// solely so PostCommandErrorHandler is exercisable without a real build
// tool (SPEC_FULL.md §4.J).
type InMemory struct {
	mu    sync.Mutex
	state *State
}

// NewInMemory returns an InMemory engine seeded with initial.
func NewInMemory(initial *State) *InMemory {
	return &InMemory{state: initial}
}

// Seed returns the State InMemory was constructed with, for callers that
// need to publish the initial BuildState (e.g. SendReadyForRequests).
func (e *InMemory) Seed() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func (e *InMemory) ResolveKey(text string) []ScopedKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	mod, name, scoped := splitScope(text)
	var matches []ScopedKey
	for k := range e.state.Settings {
		if matchesKey(k, mod, name, scoped) {
			matches = append(matches, k)
		}
	}
	for k := range e.state.Tasks {
		if matchesKey(k, mod, name, scoped) {
			matches = append(matches, k)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Module != matches[j].Module {
			return matches[i].Module < matches[j].Module
		}
		return matches[i].Name < matches[j].Name
	})
	return matches
}

func (e *InMemory) Lookup(key ScopedKey) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.state.Settings[key]
	return v, ok
}

func (e *InMemory) RenderCommand(key ScopedKey) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Tasks[key]
	if !ok {
		return "", false
	}
	return t.Command, true
}

func (e *InMemory) Complete(line string, level int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for k := range e.state.Settings {
		if strings.HasPrefix(k.Name, line) {
			add(k.Name)
		}
	}
	for k := range e.state.Tasks {
		if strings.HasPrefix(k.Name, line) {
			add(k.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Execute simulates running command against state, returning the next
// State. It never mutates state; the caller (the Engine Loop) owns
// publishing the result.
func (e *InMemory) Execute(ctx context.Context, state *State, command string) (*State, error) {
	delay := time.Duration(len(command)) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if strings.Contains(command, "fail") {
		return nil, fmt.Errorf("command failed: %s", command)
	}

	next := state.Clone()
	e.mu.Lock()
	e.state = next.Clone()
	e.mu.Unlock()
	return next, nil
}

func splitScope(text string) (module, name string, scoped bool) {
	if mod, rest, ok := strings.Cut(text, ":"); ok {
		return mod, rest, true
	}
	return "", text, false
}

func matchesKey(k ScopedKey, module, name string, scoped bool) bool {
	if scoped {
		return k.Module == module && k.Name == name
	}
	return k.Name == name
}
