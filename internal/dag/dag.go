// Package dag builds the dependency graph of a skill run and assigns every
// node an execution level. Nodes on the same level have no path between them
// and may run concurrently.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dohr-michael/maestro/internal/skills"
)

// Node is one skill in the graph.
type Node struct {
	SkillID  string
	Rank     int      // candidate order, used as a stable tie-break
	Requires []string // resolved dependencies within the candidate set
}

// DependencyCycleError reports a cycle found during graph construction.
// A run with a cycle never starts executing.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Graph is an immutable dependency graph over a candidate set.
type Graph struct {
	nodes      map[string]*Node
	order      []string // candidate rank order
	levels     [][]string
	dependents map[string][]string
}

// Build constructs a graph from candidate descriptors. Edges come from each
// descriptor's declared requires plus the inferred edges. A declared
// dependency outside the candidate set is a build error: running the skill
// without its upstream would silently change its meaning. Inferred edges are
// model output and have already been validated against the candidate set;
// any unknown endpoint that still slips through is dropped.
func Build(candidates []*skills.Descriptor, inferred map[string][]string) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*Node, len(candidates)),
		dependents: make(map[string][]string),
	}

	for rank, d := range candidates {
		if _, dup := g.nodes[d.ID]; dup {
			return nil, fmt.Errorf("duplicate candidate %q", d.ID)
		}
		g.nodes[d.ID] = &Node{SkillID: d.ID, Rank: rank}
		g.order = append(g.order, d.ID)
	}

	for _, d := range candidates {
		node := g.nodes[d.ID]
		seen := map[string]bool{}
		add := func(dep string) {
			if dep == d.ID || seen[dep] {
				return
			}
			seen[dep] = true
			node.Requires = append(node.Requires, dep)
			g.dependents[dep] = append(g.dependents[dep], d.ID)
		}

		for _, dep := range d.Requires {
			if _, ok := g.nodes[dep]; !ok && dep != d.ID {
				return nil, fmt.Errorf("skill %s requires unknown skill %q", d.ID, dep)
			}
			add(dep)
		}
		for _, dep := range inferred[d.ID] {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			add(dep)
		}

		sort.Slice(node.Requires, func(i, j int) bool {
			return g.nodes[node.Requires[i]].Rank < g.nodes[node.Requires[j]].Rank
		})
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &DependencyCycleError{Cycle: cycle}
	}

	g.assignLevels()
	return g, nil
}

// findCycle runs a depth-first search with three-color marking and returns
// the cycle path when one exists.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)

	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)

		for _, dep := range g.nodes[id].Requires {
			switch color[dep] {
			case grey:
				// Close the loop for the error message.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// assignLevels computes level(n) = 0 for roots, otherwise 1 + the maximum
// level of its dependencies. Within a level, nodes keep candidate rank order.
func (g *Graph) assignLevels() {
	levelOf := make(map[string]int, len(g.nodes))

	var level func(id string) int
	level = func(id string) int {
		if l, ok := levelOf[id]; ok {
			return l
		}
		max := -1
		for _, dep := range g.nodes[id].Requires {
			if l := level(dep); l > max {
				max = l
			}
		}
		levelOf[id] = max + 1
		return max + 1
	}

	maxLevel := 0
	for _, id := range g.order {
		if l := level(id); l > maxLevel {
			maxLevel = l
		}
	}

	g.levels = make([][]string, maxLevel+1)
	for _, id := range g.order {
		l := levelOf[id]
		g.levels[l] = append(g.levels[l], id)
	}
}

// Levels returns the execution levels in order.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// Node returns the named node, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Order returns all skill ids in candidate rank order.
func (g *Graph) Order() []string {
	return g.order
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(id string) []string {
	if n := g.nodes[id]; n != nil {
		return n.Requires
	}
	return nil
}

// Dependents returns the direct dependents of a node.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Descendants returns every node transitively depending on id.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{}
	var out []string

	var walk func(id string)
	walk = func(id string) {
		for _, dep := range g.dependents[id] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)

	sort.Slice(out, func(i, j int) bool {
		return g.nodes[out[i]].Rank < g.nodes[out[j]].Rank
	})
	return out
}

// Edges returns a copy of the adjacency map (node -> dependencies).
func (g *Graph) Edges() map[string][]string {
	edges := make(map[string][]string, len(g.nodes))
	for id, n := range g.nodes {
		edges[id] = append([]string{}, n.Requires...)
	}
	return edges
}
