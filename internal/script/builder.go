package script

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Builder gathers element declarations for one generated script and renders
// them deterministically.
//
// The zero value is not usable; construct with NewBuilder.
type Builder struct {
	// ScriptName identifies the target script (used in diagnostics).
	ScriptName string

	// Retain keeps members dropped by the current gather as deprecated
	// declarations instead of deleting them.
	Retain bool

	// Force rebuilds unconditionally. Force with Retain disabled is the
	// explicit purge: previously retained obsolete members disappear.
	Force bool

	log      *zap.Logger
	gathered []Element
}

// NewBuilder creates a builder for the named script.
func NewBuilder(name string, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{ScriptName: name, log: log}
}

// Add gathers one element declaration.
func (b *Builder) Add(el Element) {
	b.gathered = append(b.gathered, el)
}

// Elements returns the gathered declarations after conflict resolution, in
// deterministic render order (group, then name).
//
// Name collisions are never silently dropped: the first-declared element
// keeps the canonical name and later ones get a numeric suffix, with a
// warning logged per rename.
func (b *Builder) Elements() []Element {
	taken := make(map[string]struct{}, len(b.gathered))
	out := make([]Element, 0, len(b.gathered))

	for _, el := range b.gathered {
		name := el.Name
		if _, clash := taken[name]; clash {
			n := 2
			for {
				candidate := fmt.Sprintf("%s%d", el.Name, n)
				if _, alsoClash := taken[candidate]; !alsoClash {
					name = candidate
					break
				}
				n++
			}
			b.log.Warn("naming conflict in generated script",
				zap.String("script", b.ScriptName),
				zap.String("name", el.Name),
				zap.String("renamed", name))
		}
		taken[name] = struct{}{}
		el.Name = name
		out = append(out, el)
	}

	sortElements(out)
	return out
}

// Effective merges the gathered elements with the retention policy applied
// against prev: with Retain on, members present in prev but missing from the
// current gather are kept, marked obsolete.
func (b *Builder) Effective(prev *Manifest) []Element {
	out := b.Elements()
	if !b.Retain || prev == nil {
		return out
	}

	current := make(map[string]struct{}, len(out))
	for _, el := range out {
		current[el.Name] = struct{}{}
	}
	for _, old := range prev.Elements {
		if _, ok := current[old.Name]; ok {
			continue
		}
		kept := old
		kept.Obsolete = true
		out = append(out, kept)
		b.log.Info("retaining obsolete member",
			zap.String("script", b.ScriptName),
			zap.String("name", old.Name))
	}

	sortElements(out)
	return out
}

// ShouldBuild is the incremental-rebuild decision.
//
// It compares the effective declarations against the manifest persisted by
// the last successful build. Member-for-member equality means no rebuild; any
// addition, removal, or modification means rebuild. A missing output file, a
// missing manifest, or Force all rebuild unconditionally.
//
// The comparison is structural, never textual: immaterial differences in the
// rendered file (whitespace, comment wording) cannot trigger a rebuild.
func (b *Builder) ShouldBuild(prev *Manifest, outputExists bool) bool {
	if b.Force {
		return true
	}
	if !outputExists || prev == nil {
		return true
	}

	effective := b.Effective(prev)
	previous := append([]Element(nil), prev.Elements...)
	sortElements(previous)

	if len(effective) != len(previous) {
		return true
	}
	for i := range effective {
		if !equivalent(effective[i], previous[i]) {
			return true
		}
	}
	return false
}

// ManifestFor captures the manifest to persist after building els.
func ManifestFor(els []Element) Manifest {
	return Manifest{Elements: append([]Element(nil), els...)}
}

// AppendScript renders els as a Go source file into sb.
//
// Rendering is pure and deterministic: grouped by declaration group, const
// blocks per group, deprecation notices for obsolete members, and a build
// symbol annotation when the group declares one.
func AppendScript(sb *strings.Builder, pkg string, els []Element) {
	sb.WriteString("// Code generated by assetweaver. DO NOT EDIT.\n\n")
	sb.WriteString("package " + pkg + "\n")

	groups, order := groupElements(els)
	for _, group := range order {
		members := groups[group]
		sb.WriteString("\n")
		if group != "" {
			sb.WriteString("// " + group + "\n")
		}
		if sym := members[0].Symbol; sym != "" {
			sb.WriteString("// Requires compilation symbol: " + sym + "\n")
		}

		var consts, raws []Element
		for _, el := range members {
			if el.Kind == ElementRaw {
				raws = append(raws, el)
				continue
			}
			consts = append(consts, el)
		}

		if len(consts) > 0 {
			sb.WriteString("const (\n")
			for _, el := range consts {
				if el.Obsolete {
					sb.WriteString("\t// Deprecated: no longer generated; retained for compatibility.\n")
				}
				sb.WriteString("\t" + el.Name + " = " + el.Value + "\n")
			}
			sb.WriteString(")\n")
		}
		for _, el := range raws {
			if el.Obsolete {
				sb.WriteString("// Deprecated: no longer generated; retained for compatibility.\n")
			}
			sb.WriteString(el.Value + "\n")
		}
	}
}

func groupElements(els []Element) (map[string][]Element, []string) {
	groups := map[string][]Element{}
	var order []string
	for _, el := range els {
		if _, seen := groups[el.Group]; !seen {
			order = append(order, el.Group)
		}
		groups[el.Group] = append(groups[el.Group], el)
	}
	sort.Strings(order)
	return groups, order
}

func sortElements(els []Element) {
	sort.SliceStable(els, func(i, j int) bool {
		if els[i].Group != els[j].Group {
			return els[i].Group < els[j].Group
		}
		return els[i].Name < els[j].Name
	})
}
