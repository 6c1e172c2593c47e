// Package depgraph orders named nodes by their dependencies. Ordering is
// deterministic: among nodes that are ready at the same time, the one
// declared first wins.
package depgraph

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Cycle lists the nodes along the
// cycle, starting and ending with the same node.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Graph is a directed graph over string nodes. An edge from A to B means B
// depends on A, so A must come first.
type Graph struct {
	nodes []string
	index map[string]int
	out   [][]int
	seen  map[[2]int]bool
}

func New(nodes ...string) *Graph {
	g := &Graph{index: make(map[string]int), seen: make(map[[2]int]bool)}
	for _, n := range nodes {
		g.AddNode(n)
	}
	return g
}

// AddNode registers a node; re-adding is a no-op.
func (g *Graph) AddNode(name string) {
	if _, ok := g.index[name]; ok {
		return
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, name)
	g.out = append(g.out, nil)
}

// AddEdge records that to depends on from.
func (g *Graph) AddEdge(from, to string) error {
	fi, ok := g.index[from]
	if !ok {
		return fmt.Errorf("unknown node %q", from)
	}
	ti, ok := g.index[to]
	if !ok {
		return fmt.Errorf("unknown node %q", to)
	}
	key := [2]int{fi, ti}
	if g.seen[key] {
		return nil
	}
	g.seen[key] = true
	g.out[fi] = append(g.out[fi], ti)
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Order returns a topological order using declaration order as the
// tie-break, or a *CycleError naming the nodes of one cycle.
func (g *Graph) Order() ([]string, error) {
	indeg := make([]int, len(g.nodes))
	for _, targets := range g.out {
		for _, t := range targets {
			indeg[t]++
		}
	}

	// ready is kept sorted by declaration index.
	ready := make([]int, 0, len(g.nodes))
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, g.nodes[n])
		for _, t := range g.out[n] {
			indeg[t]--
			if indeg[t] == 0 {
				ready = insertSorted(ready, t)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle(indeg)}
	}
	return order, nil
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycle walks the nodes Kahn's algorithm could not emit and returns one
// concrete cycle among them.
func (g *Graph) findCycle(indeg []int) []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	var stack []int
	var cycle []string

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, t := range g.out[n] {
			if indeg[t] == 0 {
				continue
			}
			if color[t] == grey {
				start := 0
				for i, s := range stack {
					if s == t {
						start = i
						break
					}
				}
				for _, s := range stack[start:] {
					cycle = append(cycle, g.nodes[s])
				}
				cycle = append(cycle, g.nodes[t])
				return true
			}
			if color[t] == white && visit(t) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for i := range g.nodes {
		if indeg[i] > 0 && color[i] == white {
			if visit(i) {
				return cycle
			}
		}
	}
	return cycle
}
