package workflows

import (
	"fmt"
	"sort"
)

// DependencyGraph holds the prerequisite edges between workflow nodes.
type DependencyGraph struct {
	order        map[string]int
	dependencies map[string][]string
}

// NewDependencyGraph creates a graph from nodes listed in their canonical order.
// deps maps a node to the nodes that must be finished before it.
func NewDependencyGraph(nodes []string, deps map[string][]string) (*DependencyGraph, error) {
	g := &DependencyGraph{
		order:        make(map[string]int, len(nodes)),
		dependencies: make(map[string][]string, len(nodes)),
	}
	for i, n := range nodes {
		if _, dup := g.order[n]; dup {
			return nil, fmt.Errorf("duplicate node %q", n)
		}
		g.order[n] = i
	}
	for n, ds := range deps {
		if _, ok := g.order[n]; !ok {
			return nil, fmt.Errorf("dependencies declared for unknown node %q", n)
		}
		for _, d := range ds {
			if _, ok := g.order[d]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", n, d)
			}
		}
		g.dependencies[n] = append([]string(nil), ds...)
	}
	return g, nil
}

// TopologicalOrder lists every node after its prerequisites. Among nodes that
// are ready at the same time the one earlier in canonical order goes first.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	pending := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for n := range g.order {
		pending[n] = len(g.dependencies[n])
		for _, d := range g.dependencies[n] {
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for n, c := range pending {
		if c == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.order[ready[i]] < g.order[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range dependents[n] {
			if pending[m]--; pending[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	if len(out) != len(g.order) {
		return nil, fmt.Errorf("dependency cycle among %d nodes", len(g.order)-len(out))
	}
	return out, nil
}

// Order returns the position of a node, or -1 when unknown.
func (g *DependencyGraph) Order(node string) int {
	if i, ok := g.order[node]; ok {
		return i
	}
	return -1
}

// Missing returns the prerequisites of node not present in done, sorted by node order.
func (g *DependencyGraph) Missing(node string, done map[string]bool) []string {
	var missing []string
	for _, d := range g.dependencies[node] {
		if !done[d] {
			missing = append(missing, d)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return g.order[missing[i]] < g.order[missing[j]]
	})
	return missing
}

// Acyclic reports whether the graph has no dependency cycle.
func (g *DependencyGraph) Acyclic() bool {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(g.order))

	var visit func(string) bool
	visit = func(n string) bool {
		switch state[n] {
		case visiting:
			return false
		case visited:
			return true
		}
		state[n] = visiting
		for _, d := range g.dependencies[n] {
			if !visit(d) {
				return false
			}
		}
		state[n] = visited
		return true
	}

	for n := range g.order {
		if !visit(n) {
			return false
		}
	}
	return true
}

// ReachesRoot reports whether following dependencies from node eventually leads to root.
func (g *DependencyGraph) ReachesRoot(node, root string) bool {
	seen := map[string]bool{}
	stack := []string{node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == root {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependencies[n]...)
	}
	return false
}
