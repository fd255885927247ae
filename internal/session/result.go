package session

import (
	"github.com/cockroachdb/errors"
)

// ErrProtocol marks dependency-protocol violations: generator code touched
// another unit's data in a way the recorded dependency structure cannot
// explain. These indicate a bug in the generator, not a transient condition,
// and are never retryable.
var ErrProtocol = errors.New("dependency protocol violation")

// Result is the outcome of executing one unit: Ok when Err is nil, Fault
// otherwise. The session branches on this tag instead of using error control
// flow across the unit boundary.
type Result struct {
	Unit string
	Err  error
}

// Ok reports whether the unit generated successfully.
func (r Result) Ok() bool { return r.Err == nil }

// Fault is the captured failure the session pauses on. Resolve it with
// Retry, Skip, or Abort.
type Fault struct {
	// Unit is the failing unit's name.
	Unit string

	// Err is the captured error with its full wrap chain intact.
	Err error

	// Retryable is false for protocol violations.
	Retryable bool
}

// Cause returns the innermost error in the chain, the most specific fact
// about what went wrong.
func (f *Fault) Cause() error {
	if f == nil {
		return nil
	}
	return errors.UnwrapAll(f.Err)
}

// FaultAction is the user's resolution choice for a Fault.
type FaultAction string

const (
	// ActionRetry re-runs the failing unit immediately.
	ActionRetry FaultAction = "retry"
	// ActionSkip marks the unit failed and continues with the rest of the plan.
	ActionSkip FaultAction = "skip"
	// ActionAbort discards the remaining plan and tears the session down.
	ActionAbort FaultAction = "abort"
)
