package serverstate

import "sync/atomic"

// Ref is the single-writer (Reader), any-reader atomic cell publishing the
// current State. Go's atomic.Pointer gives acquire/release ordering on
// every Load/Store, which is a strictly stronger guarantee than the
// relaxed-release semantics spec.md asks for — acceptable since nothing
// here depends on weaker ordering to be correct, and the language does
// not expose anything looser.
type Ref struct {
	v atomic.Pointer[State]
}

// NewRef returns a Ref initialized to Empty().
func NewRef() *Ref {
	r := &Ref{}
	r.v.Store(Empty())
	return r
}

// Load returns the current State.
func (r *Ref) Load() *State { return r.v.Load() }

// Store publishes a new State. Only the Reader calls this.
func (r *Ref) Store(s *State) { r.v.Store(s) }
