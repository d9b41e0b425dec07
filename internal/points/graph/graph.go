// Package graph maps every derived point to the points it consumes,
// exposes topological ordering for cascade passes, and rejects cycles
// at registration time.
package graph

import (
	"sort"
	"sync"

	points "telemetry-core/internal/points/domain"
)

type node struct {
	id      string
	virtual bool
	// upstream: nodes this one reads. downstream: nodes reading this one.
	upstream   []int
	downstream []int
}

// Graph is a dependency DAG over point ids. Nodes live in an arena
// slice; the index map resolves ids. Guarded by a single RWMutex: the
// graph mutates only on definition changes, which are rare next to
// topological-order queries.
type Graph struct {
	mu    sync.RWMutex
	arena []*node
	index map[string]int
}

// New constructs an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

func (g *Graph) lookup(id string) (*node, int, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, -1, false
	}
	return g.arena[i], i, true
}

func (g *Graph) add(id string, virtual bool) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	g.arena = append(g.arena, &node{id: id, virtual: virtual})
	i := len(g.arena) - 1
	g.index[id] = i
	return i
}

// AddPoint registers a raw point node. Idempotent.
func (g *Graph) AddPoint(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.add(id, false)
}

// Contains reports whether a point id is known to the graph.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[id]
	return ok
}

// Register adds a virtual point and its input edges. Every input must
// already exist and the resulting edge set must stay acyclic; on
// violation the registration is rejected wholesale and the graph is
// unchanged.
func (g *Graph) Register(pointID string, inputs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Re-registering an existing virtual point replaces its edge set
	// (definition update); dependents keep their edges.
	inputIdx := make([]int, 0, len(inputs))
	seen := make(map[int]struct{}, len(inputs))
	for _, in := range inputs {
		_, i, ok := g.lookup(in)
		if !ok {
			return &points.UnknownInputError{PointID: pointID, InputID: in}
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		inputIdx = append(inputIdx, i)
	}

	// A new edge input->pointID closes a cycle iff pointID already
	// reaches that input downstream.
	if _, self, ok := g.lookup(pointID); ok {
		for _, i := range inputIdx {
			if path := g.findPath(self, i); path != nil {
				cycle := make([]string, 0, len(path)+1)
				for _, n := range path {
					cycle = append(cycle, g.arena[n].id)
				}
				cycle = append(cycle, pointID)
				return &points.CyclicDependencyError{Cycle: cycle}
			}
		}
	}
	for _, i := range inputIdx {
		if g.arena[i].id == pointID {
			return &points.CyclicDependencyError{Cycle: []string{pointID, pointID}}
		}
	}

	g.detachEdges(pointID)
	self := g.add(pointID, true)
	g.arena[self].virtual = true
	for _, i := range inputIdx {
		g.arena[self].upstream = append(g.arena[self].upstream, i)
		g.arena[i].downstream = append(g.arena[i].downstream, self)
	}
	return nil
}

// Unregister removes a virtual point and all of its edges. It fails
// with DependentsExist when another registered virtual point still
// depends on it, so formulas are never silently orphaned.
func (g *Graph) Unregister(pointID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkUnregister(pointID); err != nil {
		return err
	}
	g.detachEdges(pointID)
	_, i, ok := g.lookup(pointID)
	if !ok {
		return points.ErrUnknownPoint
	}
	// Swap-remove from the arena, fixing indices.
	last := len(g.arena) - 1
	if i != last {
		moved := g.arena[last]
		g.arena[i] = moved
		g.index[moved.id] = i
		g.rewriteIndex(last, i)
	}
	g.arena = g.arena[:last]
	delete(g.index, pointID)
	return nil
}

func (g *Graph) checkUnregister(pointID string) error {
	n, _, ok := g.lookup(pointID)
	if !ok {
		return points.ErrUnknownPoint
	}
	if len(n.downstream) > 0 {
		deps := make([]string, 0, len(n.downstream))
		for _, d := range n.downstream {
			deps = append(deps, g.arena[d].id)
		}
		sort.Strings(deps)
		return &points.DependentsExistError{PointID: pointID, Dependents: deps}
	}
	return nil
}

func (g *Graph) detachEdges(pointID string) {
	n, self, ok := g.lookup(pointID)
	if !ok {
		return
	}
	for _, u := range n.upstream {
		g.arena[u].downstream = removeIdx(g.arena[u].downstream, self)
	}
	n.upstream = nil
}

func (g *Graph) rewriteIndex(old, updated int) {
	for _, n := range g.arena {
		for j, u := range n.upstream {
			if u == old {
				n.upstream[j] = updated
			}
		}
		for j, d := range n.downstream {
			if d == old {
				n.downstream[j] = updated
			}
		}
	}
}

func removeIdx(list []int, idx int) []int {
	out := list[:0]
	for _, v := range list {
		if v != idx {
			out = append(out, v)
		}
	}
	return out
}

// findPath returns the node-index path from -> to following downstream
// edges, or nil when unreachable.
func (g *Graph) findPath(from, to int) []int {
	type frame struct {
		node int
		path []int
	}
	visited := make(map[int]struct{})
	stack := []frame{{node: from, path: []int{from}}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node == to {
			return f.path
		}
		if _, ok := visited[f.node]; ok {
			continue
		}
		visited[f.node] = struct{}{}
		for _, d := range g.arena[f.node].downstream {
			next := make([]int, len(f.path), len(f.path)+1)
			copy(next, f.path)
			stack = append(stack, frame{node: d, path: append(next, d)})
		}
	}
	return nil
}

// TopologicalOrder returns the minimal ordered set of virtual points
// affected by a change to the given point. Each point appears exactly
// once even when reachable via multiple paths, and no point precedes
// one of its own inputs. Ties break by id for determinism.
func (g *Graph) TopologicalOrder(changedPointID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, start, ok := g.lookup(changedPointID)
	if !ok {
		return nil
	}

	// Reachable set downstream of the changed point.
	reachable := make(map[int]struct{})
	queue := append([]int(nil), g.arena[start].downstream...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, seen := reachable[n]; seen {
			continue
		}
		reachable[n] = struct{}{}
		queue = append(queue, g.arena[n].downstream...)
	}
	if len(reachable) == 0 {
		return nil
	}

	// Kahn over the reachable subgraph; only edges inside it count.
	indegree := make(map[int]int, len(reachable))
	for n := range reachable {
		for _, u := range g.arena[n].upstream {
			if _, in := reachable[u]; in {
				indegree[n]++
			}
		}
	}
	var ready []int
	for n := range reachable {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	order := make([]string, 0, len(reachable))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.arena[ready[i]].id < g.arena[ready[j]].id })
		n := ready[0]
		ready = ready[1:]
		if g.arena[n].virtual {
			order = append(order, g.arena[n].id)
		}
		for _, d := range g.arena[n].downstream {
			if _, in := reachable[d]; !in {
				continue
			}
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return order
}

// Inputs returns the upstream point ids of a registered point.
func (g *Graph) Inputs(pointID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, _, ok := g.lookup(pointID)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.upstream))
	for _, u := range n.upstream {
		out = append(out, g.arena[u].id)
	}
	return out
}
