package unit

import "strings"

// Kind tags the category of output a unit (or a list element) produces.
//
// Kinds form a hierarchy with "/" separators: "binary/sprite/ui" falls back
// to "binary/sprite", then "binary". Producer lookup resolves the most
// specific registered kind.
type Kind string

// Parent returns the next-less-specific kind, or "" at the root.
func (k Kind) Parent() Kind {
	s := string(k)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return ""
	}
	return Kind(s[:i])
}

func (k Kind) String() string { return string(k) }

// Producer is the strategy that knows how to invoke generation for one
// category of output and persist the result.
//
// Implementations live in the producer package; this interface is declared
// where it is consumed so unit and session never import concrete producers.
type Producer interface {
	// Kind is the registration key.
	Kind() Kind

	// DefaultExtension is the file extension used when the unit declares none.
	DefaultExtension() string

	// RequiresScratch reports whether running u's generator needs the
	// session's scratch sandbox. It must be answerable without running
	// generator code.
	RequiresScratch(u *Unit) bool

	// Invoke runs the unit's generator with this producer's calling
	// convention. A nil result with nil error means either "content already
	// persisted in place" (text) or "nothing produced".
	//
	// Generator errors propagate unmodified; classification is the
	// session's job.
	Invoke(inv *Invocation, u *Unit) (any, error)

	// Save persists res at path and reports whether nested sub-outputs were
	// written. Producers whose Invoke persists in place implement Save for
	// the list-element case only.
	Save(res any, path string) (hasSubOutputs bool, err error)
}
