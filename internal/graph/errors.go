package graph

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrCycle marks topological-sort failures caused by a dependency cycle.
var ErrCycle = errors.New("dependency cycle detected")

// CycleError reports one cycle witness found during sorting.
//
// Path is the closed walk in forward dependency order: each element depends
// on the next, and the last element equals the first.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if e == nil || len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return ErrCycle.Error() + ": " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycle }
