package graph

import "sort"

// Deps reports the currently recorded dependencies of a unit by name.
// Unknown names must return nil.
type Deps func(name string) []string

// Closure expands the requested set to every known unit the set transitively
// requires.
//
// The computation is a fixpoint: all known units are scanned in deterministic
// order; whenever a unit outside the set turns out to be a (possibly
// transitive) dependency of a unit inside the set, it is added and the scan
// restarts, until a full scan adds nothing.
//
// The result is sorted lexicographically; ordering for execution is the
// topological sort's job, not the closure's.
func Closure(requested []string, all []string, deps Deps) []string {
	in := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		in[name] = struct{}{}
	}

	known := append([]string(nil), all...)
	sort.Strings(known)

	for {
		added := false
		for _, cand := range known {
			if _, ok := in[cand]; ok {
				continue
			}
			if requiredByAny(in, cand, deps) {
				in[cand] = struct{}{}
				added = true
				break // restart the scan from the beginning
			}
		}
		if !added {
			break
		}
	}

	out := make([]string, 0, len(in))
	for name := range in {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// requiredByAny reports whether any member of the set transitively depends on
// target.
func requiredByAny(set map[string]struct{}, target string, deps Deps) bool {
	visited := map[string]struct{}{}
	var reach func(from string) bool
	reach = func(from string) bool {
		if _, seen := visited[from]; seen {
			return false
		}
		visited[from] = struct{}{}
		for _, d := range deps(from) {
			if d == target {
				return true
			}
			if reach(d) {
				return true
			}
		}
		return false
	}
	for member := range set {
		if reach(member) {
			return true
		}
	}
	return false
}
