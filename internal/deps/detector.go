package deps

import (
	"fmt"
	"strings"

	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
)

// Chain is a circular path through the graph. It starts and ends with the
// same node.
type Chain []NodeID

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, id := range c {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}

const (
	unvisited = iota
	inProgress
	done
)

// FindCycle returns the first cycle found by a depth-first search that
// visits nodes and edges in traversal order.
func FindCycle(g *Graph) (Chain, bool) {
	state := make([]int, len(g.nodes))
	var path []int

	var visit func(i int) (Chain, bool)
	visit = func(i int) (Chain, bool) {
		state[i] = inProgress
		path = append(path, i)
		for _, j := range g.edges[i] {
			switch state[j] {
			case inProgress:
				return g.chain(path, j), true
			case unvisited:
				if chain, ok := visit(j); ok {
					return chain, true
				}
			}
		}
		path = path[:len(path)-1]
		state[i] = done
		return nil, false
	}

	for i := range g.nodes {
		if state[i] != unvisited {
			continue
		}
		if chain, ok := visit(i); ok {
			return chain, true
		}
	}
	return nil, false
}

// FindCycleFrom returns a cycle that passes through id, if any.
func FindCycleFrom(g *Graph, id NodeID) (Chain, bool) {
	start, ok := g.lookup(id)
	if !ok {
		return nil, false
	}

	visited := make([]bool, len(g.nodes))
	path := []int{start}

	var visit func(i int) bool
	visit = func(i int) bool {
		for _, j := range g.edges[i] {
			if j == start {
				return true
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			path = append(path, j)
			if visit(j) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if !visit(start) {
		return nil, false
	}
	return g.chain(path, start), true
}

// chain cuts path at the first occurrence of repeat and closes the loop.
func (g *Graph) chain(path []int, repeat int) Chain {
	from := 0
	for k, i := range path {
		if i == repeat {
			from = k
			break
		}
	}
	out := make(Chain, 0, len(path)-from+1)
	for _, i := range path[from:] {
		out = append(out, g.nodes[i].ID())
	}
	return append(out, g.nodes[repeat].ID())
}

// Check validates a changed definition against the rest of the project.
// changed replaces the definition with the same identifier in defs, or is
// added to them. A circular reference through changed is reported as a
// single message; otherwise each unknown name changed refers to gets its
// own message.
func Check(defs []Definition, changed Definition, known []string) error {
	snapshot := make([]Definition, 0, len(defs)+1)
	for _, d := range defs {
		if d.key() != changed.key() {
			snapshot = append(snapshot, d)
		}
	}
	snapshot = append(snapshot, changed)

	g := BuildGraph(snapshot, known)
	ve := ferrors.NewValidationError("")

	if chain, ok := FindCycleFrom(g, changed.ID()); ok {
		ve.Add(fmt.Sprintf("%s cannot be saved because it would create a circular reference: %s.",
			formula.QuoteName(changed.Name), chain))
		return ve
	}

	for _, name := range g.Unknown(changed.ID()) {
		ve.Add(fmt.Sprintf("%s references unknown property %s.",
			formula.QuoteName(changed.Name), formula.QuoteName(name)))
	}
	return ve.OrNil()
}
