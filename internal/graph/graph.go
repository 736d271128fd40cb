package graph

import (
	"container/heap"
	"context"
	"sort"
	"time"
)

// Action is the body of a task. Returning nil marks the task Succeeded and
// any other error marks it Failed. An action that observes ctx cancellation
// should return promptly; it is then recorded as Terminated.
type Action interface {
	Run(ctx context.Context, vars *Vars) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, vars *Vars) error

func (f ActionFunc) Run(ctx context.Context, vars *Vars) error { return f(ctx, vars) }

// Guard gates a task whose dependencies are satisfied.
type Guard interface {
	Eval(vars *Vars) (bool, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(vars *Vars) (bool, error)

func (f GuardFunc) Eval(vars *Vars) (bool, error) { return f(vars) }

// TaskDef is the static definition of one task.
type TaskDef struct {
	Name    string
	Action  Action
	After   Expr // nil: start immediately
	Guard   Guard
	Timeout time.Duration
}

type node struct {
	def   TaskDef
	index int
}

// Graph is a validated, immutable task graph.
type Graph struct {
	nodes      []node
	byName     map[string]int
	dependents [][]int // sorted by index
	deps       [][]int
	indeg      []int
}

// Compile validates defs and builds a Graph. Task order is preserved for
// reporting. Errors are *DefinitionError wrapping ErrInvalidGraph,
// ErrUnknownTask or ErrCycle.
func Compile(defs []TaskDef) (*Graph, error) {
	if len(defs) == 0 {
		return nil, invalidf("no tasks")
	}
	g := &Graph{
		nodes:      make([]node, len(defs)),
		byName:     make(map[string]int, len(defs)),
		dependents: make([][]int, len(defs)),
		deps:       make([][]int, len(defs)),
		indeg:      make([]int, len(defs)),
	}
	for i, d := range defs {
		if d.Name == "" {
			return nil, invalidf("task %d has no name", i+1)
		}
		if d.Action == nil {
			return nil, invalidf("task %q has no action", d.Name)
		}
		if _, dup := g.byName[d.Name]; dup {
			return nil, invalidf("duplicate task name %q", d.Name)
		}
		g.byName[d.Name] = i
		g.nodes[i] = node{def: d, index: i}
	}
	for i, d := range defs {
		for _, ref := range Refs(d.After) {
			j, ok := g.byName[ref]
			if !ok {
				return nil, unknownf("task %q depends on %q", d.Name, ref)
			}
			if j == i {
				return nil, cycleError([]string{d.Name, d.Name})
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
			g.indeg[i]++
		}
	}
	for i := range g.dependents {
		sort.Ints(g.dependents[i])
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Names returns task names in definition order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.def.Name
	}
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.nodes) }

// Order returns a deterministic topological order of task names.
func (g *Graph) Order() []string {
	idx := g.topoOrder()
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.nodes[n].def.Name
	}
	return out
}

// Task returns the definition of the named task.
func (g *Graph) Task(name string) (TaskDef, bool) {
	i, ok := g.byName[name]
	if !ok {
		return TaskDef{}, false
	}
	return g.nodes[i].def, true
}

func (g *Graph) validateAcyclic() error {
	if len(g.topoOrder()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with a min-heap ready queue so the order is
// stable across runs.
func (g *Graph) topoOrder() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as task names, first name repeated last.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.dependents[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.nodes[cycle[i]].def.Name)
	}
	return out
}
