package schema

// TopoSort orders nodes so that each node follows every node it has an edge
// to. It is a depth-first post-order walk with three-color marking over
// nodes in the given order:
//
//   - edges to nodes not in nodes are ignored
//   - self edges are ignored
//   - an edge back to a node still on the walk (a cycle) is skipped, so
//     cycles never fail and every node is emitted exactly once
//
// Duplicate entries in nodes are emitted once.
func TopoSort(nodes []string, edges map[string][]string) []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}
	state := make(map[string]int, len(nodes))
	out := make([]string, 0, len(nodes))

	var visit func(n string)
	visit = func(n string) {
		switch state[n] {
		case done, inProgress:
			return
		}
		state[n] = inProgress
		for _, dep := range edges[n] {
			if dep == n || !known[dep] {
				continue
			}
			visit(dep)
		}
		state[n] = done
		out = append(out, n)
	}

	for _, n := range nodes {
		visit(n)
	}
	return out
}

// ResolveOrder returns tables ordered so that every table comes after the
// tables its foreign keys reference. Self references, references to tables
// outside the input and cycles are tolerated. Given the same input order
// the result is always the same.
func ResolveOrder(tables []*Table) []*Table {
	keys := make([]string, 0, len(tables))
	byKey := make(map[string]*Table, len(tables))
	edges := make(map[string][]string, len(tables))

	for _, t := range tables {
		k := t.Key()
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = t
		keys = append(keys, k)
		for _, fk := range t.ForeignKeys {
			edges[k] = append(edges[k], fk.ReferencedKey())
		}
	}

	ordered := TopoSort(keys, edges)
	out := make([]*Table, 0, len(ordered))
	for _, k := range ordered {
		out = append(out, byKey[k])
	}
	return out
}
