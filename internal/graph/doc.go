// Package graph provides the dependency-planning primitives for the
// generation pipeline: transitive closure of a request set and a
// deterministic, cycle-tolerant topological sort.
//
// The package is deliberately free of unit/session types. Callers describe
// the dependency structure with a Deps lookup function, which keeps planning
// a pure function over names and makes every property directly testable.
package graph
