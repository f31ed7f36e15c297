// Package enginestate implements a single-writer, any-reader atomic cell
// carrying the latest published BuildState from the Engine Loop to the
// Reader Loop. It is generic so the dispatcher core never needs to know
// BuildState's concrete shape.
package enginestate

import (
	"sync/atomic"
	"time"
)

// Ref holds the current value of T, or nothing until the first Store.
type Ref[T any] struct {
	v           atomic.Pointer[T]
	publishedAt atomic.Int64 // unix nanos, 0 until the first Store
}

// NewRef returns a Ref with no value published yet.
func NewRef[T any]() *Ref[T] {
	return &Ref[T]{}
}

// Load returns the current value and whether one has ever been published.
func (r *Ref[T]) Load() (T, bool) {
	p := r.v.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Store publishes v as the current value. Only the Engine calls this.
func (r *Ref[T]) Store(v T) {
	r.v.Store(&v)
	r.publishedAt.Store(time.Now().UnixNano())
}

// Age returns how long ago the current value was published, and false if
// nothing has ever been published. Backs the Control API's build-state-age
// metric.
func (r *Ref[T]) Age() (time.Duration, bool) {
	ts := r.publishedAt.Load()
	if ts == 0 {
		return 0, false
	}
	return time.Since(time.Unix(0, ts)), true
}
