// Package script builds generated Go source files from gathered element
// declarations and decides, member by member, whether a regeneration pass
// actually needs to rewrite anything.
package script

// ElementKind discriminates how an element renders.
type ElementKind string

const (
	// ElementConst renders inside a const block; Value is the literal
	// right-hand side, e.g. `"Player"` or `3`.
	ElementConst ElementKind = "const"

	// ElementRaw renders Value verbatim as a top-level declaration.
	ElementRaw ElementKind = "raw"
)

// Element is one gathered declaration for a generated script.
type Element struct {
	Name  string      `json:"name"`
	Kind  ElementKind `json:"kind"`
	Value string      `json:"value"`

	// Group names the declaration group the element renders under. Elements
	// are sorted and emitted group by group.
	Group string `json:"group,omitempty"`

	// Symbol is an optional conditional-compilation symbol the group is
	// annotated with.
	Symbol string `json:"symbol,omitempty"`

	// Obsolete marks a member retained from a previous pass that the current
	// gather no longer produces. Rendered with a deprecation notice.
	Obsolete bool `json:"obsolete,omitempty"`
}

// Manifest is the durable record of the members a script declared after its
// last successful build. It is the lookup the rebuild decision compares
// against, standing in for reflecting over a compiled type.
type Manifest struct {
	Elements []Element `json:"elements"`
}

// equivalent reports whether two elements declare the same member.
func equivalent(a, b Element) bool {
	return a.Name == b.Name &&
		a.Kind == b.Kind &&
		a.Value == b.Value &&
		a.Group == b.Group &&
		a.Symbol == b.Symbol &&
		a.Obsolete == b.Obsolete
}
