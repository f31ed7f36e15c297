// Package faults names the dispatcher's semantic error kinds, independent
// of any one package's concrete error type. Most are ordinary values
// turned into replies by the Reader; InvariantViolation is the one kind
// that is never a reply — it is fatal and must crash the process with a
// diagnostic rather than be swallowed.
package faults

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned by any bounded buffer on overflow (Request
// Queue, Work Queue's raw channel, the Reader's deferred startup buffer).
var ErrQueueFull = errors.New("queue full")

// ErrKeyNotFound names the KeyNotFound kind: key resolution produced no
// match for a request that requires one (ListenToValue). The Reader does
// not return it; it replies protocol.KeyNotFoundResponse instead.
var ErrKeyNotFound = errors.New("key not found")

// InvariantViolation marks a correctness invariant broken in a way the
// dispatcher cannot recover from — e.g. a non-Execution request observed
// in the Work Queue's raw channel. Recovering from a panic carrying this
// type should log and exit, never continue.
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Detail)
}

// Invariant panics with an InvariantViolation carrying detail. Call sites
// are places the spec marks "fatal to the dispatcher; must crash with a
// diagnostic — never silently skipped".
func Invariant(detail string) {
	panic(&InvariantViolation{Detail: detail})
}
