// Package serverstate holds the Reader's listener bookkeeping: who is
// subscribed to global events, to build-structure changes, and to
// individual keys. It is a copy-on-write value type; the teacher's
// internal/state.Store uses the same shallow-copy-and-replace shape
// (ShallowMerge over maps.Copy) for its plugin key/value store, adapted
// here from a flat map to three listener sets plus a per-key index.
package serverstate

import "github.com/mattjoyce/dispatchd/internal/protocol"

// State is an immutable snapshot of listener bookkeeping. Every mutator
// returns a new State; the receiver is never modified in place.
type State struct {
	eventListeners map[clientKey]struct{}
	buildListeners map[clientKey]struct{}
	keyListeners   map[protocol.ScopedKey]map[clientKey]struct{}
}

type clientKey = Handle

// Handle is the identity type State tracks. It mirrors client.Handle's
// shape without importing the client package, so tests can use any
// comparable stand-in. Send is included (not just ID) because the boot
// handover (spec.md §4.D Phase 2) broadcasts NowListening straight to
// every stored event listener; a listener set that could only identify
// clients, not reach them, would make that broadcast impossible.
type Handle interface {
	ID() string
	Send(event any)
}

// Empty returns a State with no listeners, the Reader's starting value.
func Empty() *State {
	return &State{
		eventListeners: map[clientKey]struct{}{},
		buildListeners: map[clientKey]struct{}{},
		keyListeners:   map[protocol.ScopedKey]map[clientKey]struct{}{},
	}
}

func (s *State) clone() *State {
	next := &State{
		eventListeners: make(map[clientKey]struct{}, len(s.eventListeners)),
		buildListeners: make(map[clientKey]struct{}, len(s.buildListeners)),
		keyListeners:   make(map[protocol.ScopedKey]map[clientKey]struct{}, len(s.keyListeners)),
	}
	for c := range s.eventListeners {
		next.eventListeners[c] = struct{}{}
	}
	for c := range s.buildListeners {
		next.buildListeners[c] = struct{}{}
	}
	for k, set := range s.keyListeners {
		cp := make(map[clientKey]struct{}, len(set))
		for c := range set {
			cp[c] = struct{}{}
		}
		next.keyListeners[k] = cp
	}
	return next
}

// AddEventListener returns a State with c added to the event listener set.
// Idempotent: adding an already-listening client changes nothing.
func (s *State) AddEventListener(c Handle) *State {
	next := s.clone()
	next.eventListeners[c] = struct{}{}
	return next
}

// AddBuildListener returns a State with c added to the build listener set.
func (s *State) AddBuildListener(c Handle) *State {
	next := s.clone()
	next.buildListeners[c] = struct{}{}
	return next
}

// AddKeyListener returns a State with c added to k's listener set.
func (s *State) AddKeyListener(c Handle, k protocol.ScopedKey) *State {
	next := s.clone()
	set, ok := next.keyListeners[k]
	if !ok {
		set = map[clientKey]struct{}{}
		next.keyListeners[k] = set
	} else {
		set = copySet(set)
		next.keyListeners[k] = set
	}
	set[c] = struct{}{}
	return next
}

// Disconnect returns a State with c removed from every listener set.
func (s *State) Disconnect(c Handle) *State {
	next := s.clone()
	delete(next.eventListeners, c)
	delete(next.buildListeners, c)
	for k, set := range next.keyListeners {
		if _, ok := set[c]; ok {
			set = copySet(set)
			delete(set, c)
			next.keyListeners[k] = set
		}
	}
	return next
}

func copySet(set map[clientKey]struct{}) map[clientKey]struct{} {
	cp := make(map[clientKey]struct{}, len(set))
	for c := range set {
		cp[c] = struct{}{}
	}
	return cp
}

// EventListeners returns the current event listeners.
func (s *State) EventListeners() []Handle { return keys(s.eventListeners) }

// BuildListeners returns the current build-structure listeners.
func (s *State) BuildListeners() []Handle { return keys(s.buildListeners) }

// KeyListeners returns the current listeners of k, possibly empty.
func (s *State) KeyListeners(k protocol.ScopedKey) []Handle {
	return keys(s.keyListeners[k])
}

func keys(set map[clientKey]struct{}) []Handle {
	out := make([]Handle, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
