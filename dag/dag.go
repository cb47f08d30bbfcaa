package dag

import (
	"errors"
	"sort"

	"github.com/google/btree"

	"github.com/songzhibin97/blockflow/types"
)

// Graph is the structural result of building a DAG from analyzed blocks.
type Graph struct {
	Nodes          []string     `json:"nodes"`
	Edges          []types.Edge `json:"edges"`
	ExecutionOrder []string     `json:"execution_order"`
}

// Validation is the outcome of checking a graph for structural problems.
type Validation struct {
	IsValid    bool     `json:"is_valid"`
	Error      string   `json:"error,omitempty"`
	CycleNodes []string `json:"cycle_nodes,omitempty"`
}

// Build infers edges for blocks, validates acyclicity and computes the
// execution order. On a cycle it returns the partial graph (nodes and edges,
// no order) together with a *CycleError.
//
// Build is deterministic: the same blocks and dependency map always produce
// identical edges and order.
func Build(depMap map[string]types.DependencyInfo, blocks []types.Block) (*Graph, error) {
	ordered, err := sortBlocks(blocks)
	if err != nil {
		return nil, err
	}
	edges, err := InferEdges(depMap, ordered)
	if err != nil {
		return nil, err
	}

	nodes := make([]string, len(ordered))
	for i, b := range ordered {
		nodes[i] = b.ID
	}
	g := &Graph{Nodes: nodes, Edges: edges}

	order, err := TopologicalOrder(nodes, edges)
	if err != nil {
		return g, err
	}
	g.ExecutionOrder = order
	return g, nil
}

// InferEdges links each consumer to the producer of every name it uses.
//
// The producer is the nearest preceding block defining the name. When no
// preceding block defines it, the nearest following definer is used (a
// forward reference, which reorders execution or surfaces as a cycle). Names
// nobody defines are treated as externally satisfied. Blocks whose analysis
// failed consume every name defined before them.
func InferEdges(depMap map[string]types.DependencyInfo, blocks []types.Block) ([]types.Edge, error) {
	ordered, err := sortBlocks(blocks)
	if err != nil {
		return nil, err
	}

	producers := make(map[string][]int)
	for i, b := range ordered {
		info, ok := depMap[b.ID]
		if !ok {
			return nil, invalidf("no dependency info for block %q", b.ID)
		}
		for _, name := range info.VariablesDefined {
			producers[name] = append(producers[name], i)
		}
	}

	type pair struct{ from, to int }
	labels := make(map[pair]map[string]struct{})

	for ci, c := range ordered {
		info := depMap[c.ID]
		names := info.VariablesUsed
		if info.ConsumesAll {
			names = definedBefore(depMap, ordered[:ci])
		}
		for _, name := range names {
			before, after := -1, -1
			for _, idx := range producers[name] {
				if idx < ci {
					before = idx
				} else if idx > ci && after == -1 {
					after = idx
				}
			}
			from := before
			if from == -1 {
				from = after
			}
			if from == -1 {
				continue
			}
			p := pair{from: from, to: ci}
			if labels[p] == nil {
				labels[p] = make(map[string]struct{})
			}
			labels[p][name] = struct{}{}
		}
	}

	pairs := make([]pair, 0, len(labels))
	for p := range labels {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].from != pairs[j].from {
			return pairs[i].from < pairs[j].from
		}
		return pairs[i].to < pairs[j].to
	})

	edges := make([]types.Edge, 0, len(pairs))
	for _, p := range pairs {
		vars := make([]string, 0, len(labels[p]))
		for v := range labels[p] {
			vars = append(vars, v)
		}
		sort.Strings(vars)
		edges = append(edges, types.Edge{From: ordered[p.from].ID, To: ordered[p.to].ID, Variables: vars})
	}
	return edges, nil
}

// Validate checks that edges reference known nodes and induce no cycle.
// Nodes are visited in the given order, so the reported cycle is stable.
func Validate(nodes []string, edges []types.Edge) Validation {
	adj, err := adjacency(nodes, edges)
	if err != nil {
		return Validation{IsValid: false, Error: err.Error()}
	}
	if cycle := findCycle(len(nodes), adj); cycle != nil {
		names := make([]string, len(cycle))
		for i, idx := range cycle {
			names[i] = nodes[idx]
		}
		cerr := &CycleError{Nodes: names}
		return Validation{IsValid: false, Error: cerr.Error(), CycleNodes: names}
	}
	return Validation{IsValid: true}
}

// TopologicalOrder returns a Kahn ordering of nodes in which ready nodes are
// released in the order they appear in nodes (ascending sequence position
// when nodes come from Build).
func TopologicalOrder(nodes []string, edges []types.Edge) ([]string, error) {
	adj, err := adjacency(nodes, edges)
	if err != nil {
		return nil, err
	}

	indeg := make([]int, len(nodes))
	for _, outs := range adj {
		for _, to := range outs {
			indeg[to]++
		}
	}

	ready := btree.NewG[int](2, func(a, b int) bool { return a < b })
	for i, d := range indeg {
		if d == 0 {
			ready.ReplaceOrInsert(i)
		}
	}

	order := make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		cur, _ := ready.DeleteMin()
		order = append(order, nodes[cur])
		for _, next := range adj[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				ready.ReplaceOrInsert(next)
			}
		}
	}

	if len(order) != len(nodes) {
		if cycle := findCycle(len(nodes), adj); cycle != nil {
			names := make([]string, len(cycle))
			for i, idx := range cycle {
				names[i] = nodes[idx]
			}
			return nil, &CycleError{Nodes: names}
		}
		return nil, &CycleError{}
	}
	return order, nil
}

// Restrict keeps the elements of order that appear in selected, preserving order.
// A nil selection keeps everything.
func Restrict(order []string, selected []string) []string {
	if selected == nil {
		return append([]string(nil), order...)
	}
	keep := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		keep[id] = struct{}{}
	}
	out := make([]string, 0, len(selected))
	for _, id := range order {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Descendants returns every node reachable from id, sorted.
func Descendants(edges []types.Edge, id string) []string {
	next := make(map[string][]string)
	for _, e := range edges {
		next[e.From] = append(next[e.From], e.To)
	}
	return reach(next, id)
}

// Ancestors returns every node id transitively depends on, sorted.
func Ancestors(edges []types.Edge, id string) []string {
	prev := make(map[string][]string)
	for _, e := range edges {
		prev[e.To] = append(prev[e.To], e.From)
	}
	return reach(prev, id)
}

func reach(adj map[string][]string, id string) []string {
	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range adj[cur] {
			if _, ok := seen[n]; ok || n == id {
				continue
			}
			seen[n] = struct{}{}
			stack = append(stack, n)
		}
	}
	result := make([]string, 0, len(seen))
	for n := range seen {
		result = append(result, n)
	}
	sort.Strings(result)
	return result
}

// IsTopological reports whether order places every edge's producer before its consumer.
func IsTopological(order []string, edges []types.Edge) bool {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range edges {
		from, okFrom := pos[e.From]
		to, okTo := pos[e.To]
		if !okFrom || !okTo || from >= to {
			return false
		}
	}
	return true
}

func sortBlocks(blocks []types.Block) ([]types.Block, error) {
	seen := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		if b.ID == "" {
			return nil, invalidf("block id is required")
		}
		if _, dup := seen[b.ID]; dup {
			return nil, invalidf("duplicate block id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	ordered := append([]types.Block(nil), blocks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Position != ordered[j].Position {
			return ordered[i].Position < ordered[j].Position
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered, nil
}

func definedBefore(depMap map[string]types.DependencyInfo, blocks []types.Block) []string {
	set := make(map[string]struct{})
	for _, b := range blocks {
		for _, name := range depMap[b.ID].VariablesDefined {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func adjacency(nodes []string, edges []types.Edge) ([][]int, error) {
	index := make(map[string]int, len(nodes))
	for i, id := range nodes {
		if _, dup := index[id]; dup {
			return nil, invalidf("duplicate node %q", id)
		}
		index[id] = i
	}
	adj := make([][]int, len(nodes))
	seen := make(map[[2]int]struct{}, len(edges))
	for _, e := range edges {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown node (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown node (to): %q", e.To)
		}
		if from == to {
			return nil, invalidf("self-loop: %q", e.From)
		}
		key := [2]int{from, to}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		adj[from] = append(adj[from], to)
	}
	for i := range adj {
		sort.Ints(adj[i])
	}
	return adj, nil
}

// findCycle runs a white/grey/black DFS and returns the node indices of the
// first cycle found, starting at the node the back edge points to.
func findCycle(n int, adj [][]int) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, n)
	parent := make([]int, n)

	var dfs func(u int) []int
	dfs = func(u int) []int {
		color[u] = grey
		for _, v := range adj[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if c := dfs(v); c != nil {
					return c
				}
			case grey:
				cycle := []int{u}
				for cur := u; cur != v; {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return cycle
			}
		}
		color[u] = black
		return nil
	}

	for u := 0; u < n; u++ {
		if color[u] == white {
			if c := dfs(u); c != nil {
				return c
			}
		}
	}
	return nil
}

// IsCycle reports whether err is a dependency cycle.
func IsCycle(err error) bool {
	return errors.Is(err, ErrCycle)
}
