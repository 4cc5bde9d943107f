// Package depgraph tracks depends_on / impacts edges between negotiated
// terms. An edge source -> target means "changing source may require
// revisiting target". The graph informs impact warnings; it never vetoes a
// status transition. Cyclic dependencies are a modeling error and edge
// inserts that would create one are rejected.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCycleDetected is returned when an edge insert would create a cycle.
// The graph is left unchanged.
var ErrCycleDetected = errors.New("cycle detected")

// declaration is the set of edges one term declares about itself: each
// dependsOn entry yields dep -> term, each impacts entry yields term -> target.
type declaration struct {
	dependsOn []string
	impacts   []string
}

func (d declaration) empty() bool {
	return len(d.dependsOn) == 0 && len(d.impacts) == 0
}

// Graph is a directed graph over term ids, safe for concurrent use. Edges
// come from two sources: ad-hoc AddEdge calls and per-term SetTermEdges
// declarations. A term's new declaration replaces only the edges its own
// previous declaration produced; edges other terms declared toward it stay.
type Graph struct {
	mu     sync.RWMutex
	manual map[string]map[string]bool
	decls  map[string]declaration
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		manual: make(map[string]map[string]bool),
		decls:  make(map[string]declaration),
	}
}

// AddEdge inserts source -> target. It fails with ErrCycleDetected when
// target already reaches source, and rejects self-edges for the same reason.
func (g *Graph) AddEdge(source, target string) error {
	if source == "" || target == "" {
		return fmt.Errorf("edge endpoints must be non-empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if source == target {
		return fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, source)
	}
	adj := g.adjacency()
	if reaches(adj, target, source) {
		return fmt.Errorf("%w: %s already reaches %s", ErrCycleDetected, target, source)
	}
	if g.manual[source] == nil {
		g.manual[source] = make(map[string]bool)
	}
	g.manual[source][target] = true
	return nil
}

// RemoveEdge deletes an ad-hoc source -> target edge if present. Declared
// edges are removed by re-declaring the owning term.
func (g *Graph) RemoveEdge(source, target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.manual[source], target)
	if len(g.manual[source]) == 0 {
		delete(g.manual, source)
	}
}

// RemoveTerm drops the term's declaration and every ad-hoc edge touching it.
// Other terms' declarations that mention termID are dropped as well.
func (g *Graph) RemoveTerm(termID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.decls, termID)
	delete(g.manual, termID)
	for source, targets := range g.manual {
		delete(targets, termID)
		if len(targets) == 0 {
			delete(g.manual, source)
		}
	}
	for id, decl := range g.decls {
		g.decls[id] = declaration{
			dependsOn: without(decl.dependsOn, termID),
			impacts:   without(decl.impacts, termID),
		}
		if g.decls[id].empty() {
			delete(g.decls, id)
		}
	}
}

// SetTermEdges atomically replaces the edges termID declares: one incoming
// edge per entry of dependsOn (dep -> termID) and one outgoing edge per
// entry of impacts (termID -> target). The replacement is validated against
// the rest of the graph first; on cycle, nothing changes.
func (g *Graph) SetTermEdges(termID string, dependsOn, impacts []string) error {
	if termID == "" {
		return fmt.Errorf("term id must be non-empty")
	}
	for _, id := range dependsOn {
		if id == termID {
			return fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, termID)
		}
	}
	for _, id := range impacts {
		if id == termID {
			return fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, termID)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	candidate := make(map[string]declaration, len(g.decls)+1)
	for id, decl := range g.decls {
		candidate[id] = decl
	}
	next := declaration{dependsOn: append([]string(nil), dependsOn...), impacts: append([]string(nil), impacts...)}
	if next.empty() {
		delete(candidate, termID)
	} else {
		candidate[termID] = next
	}

	adj := buildAdjacency(g.manual, candidate)
	if from, to, cyclic := findCycleEdge(adj); cyclic {
		return fmt.Errorf("%w: %s already reaches %s", ErrCycleDetected, to, from)
	}

	g.decls = candidate
	return nil
}

// ImpactedBy returns the transitive closure of terms to flag for review when
// termID changes, sorted for deterministic output. termID itself is
// excluded.
func (g *Graph) ImpactedBy(termID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	adj := g.adjacency()
	return closure(termID, func(node string) map[string]bool { return adj[node] })
}

// DependsOn returns the transitive set of terms termID depends on, sorted.
func (g *Graph) DependsOn(termID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reverse := make(map[string]map[string]bool)
	for source, targets := range g.adjacency() {
		for target := range targets {
			if reverse[target] == nil {
				reverse[target] = make(map[string]bool)
			}
			reverse[target][source] = true
		}
	}
	return closure(termID, func(node string) map[string]bool { return reverse[node] })
}

// HasEdge reports whether source -> target exists.
func (g *Graph) HasEdge(source, target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adjacency()[source][target]
}

// EdgeCount returns the number of distinct edges in the graph.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, targets := range g.adjacency() {
		n += len(targets)
	}
	return n
}

// Snapshot returns a copy of the adjacency structure with sorted target
// lists, suitable for serialization.
func (g *Graph) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string)
	for source, targets := range g.adjacency() {
		list := make([]string, 0, len(targets))
		for target := range targets {
			list = append(list, target)
		}
		sort.Strings(list)
		out[source] = list
	}
	return out
}

// adjacency materializes the edge set from both sources. Callers hold the
// lock.
func (g *Graph) adjacency() map[string]map[string]bool {
	return buildAdjacency(g.manual, g.decls)
}

func buildAdjacency(manual map[string]map[string]bool, decls map[string]declaration) map[string]map[string]bool {
	adj := make(map[string]map[string]bool, len(manual)+len(decls))
	add := func(source, target string) {
		if adj[source] == nil {
			adj[source] = make(map[string]bool)
		}
		adj[source][target] = true
	}
	for source, targets := range manual {
		for target := range targets {
			add(source, target)
		}
	}
	for id, decl := range decls {
		for _, dep := range decl.dependsOn {
			add(dep, id)
		}
		for _, target := range decl.impacts {
			add(id, target)
		}
	}
	return adj
}

// reaches reports whether from can reach to via directed edges.
func reaches(adj map[string]map[string]bool, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adj[node] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// findCycleEdge reports an edge that lies on a cycle, if any exists.
func findCycleEdge(adj map[string]map[string]bool) (from, to string, cyclic bool) {
	for source, targets := range adj {
		for target := range targets {
			if reaches(adj, target, source) {
				return source, target, true
			}
		}
	}
	return "", "", false
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// closure walks neighbors transitively from start, excluding start itself.
func closure(start string, neighbors func(string) map[string]bool) []string {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range neighbors(node) {
			if !visited[next] && next != start {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
