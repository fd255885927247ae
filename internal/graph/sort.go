package graph

import "sort"

// BrokenEdge records a dependency edge the tolerant sort treated as already
// satisfied in order to break a cycle. From depends on To.
type BrokenEdge struct {
	From string
	To   string
}

// Sort produces a topological ordering of names: dependencies appear strictly
// before their dependents.
//
// The traversal is a three-color depth-first search. Nodes are visited in
// lexicographic order, and each node's dependency list is visited in
// lexicographic order, so the result is fully deterministic for a given
// dependency structure.
//
// Dependencies outside the input set are ignored: the closure is responsible
// for pulling every known dependency into the set, so anything left outside
// is either unknown or already satisfied by an earlier session.
//
// On a cycle, Sort returns a *CycleError carrying one deterministic witness
// path and no ordering.
func Sort(names []string, deps Deps) ([]string, error) {
	order, _, err := sortImpl(names, deps, false)
	return order, err
}

// SortTolerant is Sort with cycle breaking.
//
// When the traversal revisits a node currently being visited (a back edge),
// the edge is treated as already satisfied instead of failing. Because the
// traversal order is deterministic, the edge chosen to break overlapping
// cycles is deterministic too: it is the back edge encountered first. Every
// broken edge is reported so the caller can surface a diagnostic.
func SortTolerant(names []string, deps Deps) ([]string, []BrokenEdge) {
	order, broken, _ := sortImpl(names, deps, true)
	return order, broken
}

func sortImpl(names []string, deps Deps, tolerant bool) ([]string, []BrokenEdge, error) {
	const (
		white = iota // unvisited
		gray         // visiting
		black        // done
	)

	inSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		inSet[n] = struct{}{}
	}

	roots := make([]string, 0, len(inSet))
	for n := range inSet {
		roots = append(roots, n)
	}
	sort.Strings(roots)

	color := make(map[string]int, len(roots))
	parent := make(map[string]string, len(roots))
	order := make([]string, 0, len(roots))
	var broken []BrokenEdge

	var cycle []string

	var visit func(name string) bool // returns true when a fatal cycle was found
	visit = func(name string) bool {
		color[name] = gray
		children := append([]string(nil), deps(name)...)
		sort.Strings(children)
		for _, dep := range children {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				parent[dep] = name
				if visit(dep) {
					return true
				}
			case gray:
				if tolerant {
					broken = append(broken, BrokenEdge{From: name, To: dep})
					continue
				}
				// Back edge name -> dep closes a cycle. Walk parents to
				// reconstruct the witness in forward dependency order.
				cycle = append(cycle, dep)
				cur := name
				for cur != dep {
					cycle = append(cycle, cur)
					var ok bool
					cur, ok = parent[cur]
					if !ok {
						break
					}
				}
				cycle = append(cycle, dep)
				reverse(cycle)
				return true
			}
		}
		color[name] = black
		order = append(order, name) // post-order: dependencies first
		return false
	}

	for _, root := range roots {
		if color[root] != white {
			continue
		}
		if visit(root) {
			return nil, nil, &CycleError{Path: cycle}
		}
	}
	return order, broken, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
