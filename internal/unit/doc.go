// Package unit defines the generatable unit model: a named output whose
// content is produced by registered generator code rather than hand-authored,
// together with the registry that owns all known units and the producer
// lookup table.
//
// A unit's dependency set is not declared up front. It starts from whatever
// was persisted by earlier sessions and grows while the unit's generator
// runs, via the session's dependency-access protocol. The registry itself is
// plain data: all scheduling and protocol enforcement lives in the session
// package.
package unit
