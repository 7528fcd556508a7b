package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultGraphName = "graph"

// Condition is a predicate over the source task's output deciding whether the
// downstream task becomes eligible.
type Condition func(output any) bool

// Transform maps the source task's output into the shape the downstream task expects.
type Transform func(output any) any

// RetryPolicy defines how a task should handle transient failures
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// TaskDef declares one agent invocation inside a workflow
type TaskDef struct {
	ID        string
	AgentID   string
	Input     any
	DependsOn []string

	// Optional tasks are skipped after exhausting recovery; their downstream
	// edges are tolerated automatically.
	Optional bool
	// Critical tasks pause the whole execution behind a checkpoint on failure.
	Critical bool

	Retry    *RetryPolicy
	Fallback string
	Timeout  time.Duration
	// RetryOnTimeout makes a timeout count as a transient failure instead of
	// a permanent one.
	RetryOnTimeout bool
	Metadata       map[string]any
}

// EdgeDef declares a directed dependency from -> to
type EdgeDef struct {
	From      string
	To        string
	Condition Condition
	Transform Transform
	// Tolerate lets the downstream task proceed even when the source
	// failed or was skipped.
	Tolerate bool
	Metadata map[string]any
}

// Graph is an immutable task-DAG template. It holds no execution state and is
// reused across executions.
type Graph struct {
	id   string
	name string

	tasks map[string]TaskDef
	order []string // declaration order
	edges []EdgeDef

	incoming map[string][]int // edge indexes by To
	outgoing map[string][]int // edge indexes by From

	topo []string

	maxTasks int
}

type Option func(*Graph)

// WithID sets a custom ID for the graph
func WithID(id string) Option {
	return func(g *Graph) {
		g.id = id
	}
}

// WithMaxTasks caps the number of tasks a graph (or any Extend of it) may hold
func WithMaxTasks(n int) Option {
	return func(g *Graph) {
		g.maxTasks = n
	}
}

// New builds a validated graph from declarative task and edge definitions.
// Every DependsOn entry is normalized into a plain edge. Construction fails
// with a CycleError when the dependency relation is not acyclic.
func New(name string, tasks []TaskDef, edges []EdgeDef, opts ...Option) (*Graph, error) {
	graphName := defaultGraphName
	if name != "" {
		graphName = strings.ReplaceAll(name, " ", "-")
	}

	g := &Graph{
		id:       fmt.Sprintf("%s-%s", graphName, uuid.New().String()),
		name:     graphName,
		tasks:    make(map[string]TaskDef, len(tasks)),
		incoming: make(map[string][]int),
		outgoing: make(map[string][]int),
	}
	for _, o := range opts {
		o(g)
	}

	if len(tasks) == 0 {
		return nil, NewBuildError("New", "", ErrEmptyGraph)
	}
	if g.maxTasks > 0 && len(tasks) > g.maxTasks {
		return nil, NewBuildError("New", "", ErrGraphTooLarge)
	}

	for _, t := range tasks {
		if err := g.addTask(t); err != nil {
			return nil, err
		}
	}

	for _, e := range edges {
		if err := g.addEdge(e); err != nil {
			return nil, err
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if g.hasEdge(dep, t.ID) {
				continue
			}
			if err := g.addEdge(EdgeDef{From: dep, To: t.ID}); err != nil {
				return nil, err
			}
		}
	}

	topo, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.topo = topo

	return g, nil
}

func (g *Graph) addTask(t TaskDef) error {
	if t.ID == "" {
		return NewBuildError("addTask", "", ErrTaskNotFound)
	}
	if t.AgentID == "" {
		return NewBuildError("addTask", t.ID, ErrMissingAgent)
	}
	if _, exists := g.tasks[t.ID]; exists {
		return NewBuildError("addTask", t.ID, ErrDuplicateTask)
	}

	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

func (g *Graph) addEdge(e EdgeDef) error {
	if _, exists := g.tasks[e.From]; !exists {
		return NewBuildError("addEdge", e.From, ErrTaskNotFound)
	}
	if _, exists := g.tasks[e.To]; !exists {
		return NewBuildError("addEdge", e.To, ErrTaskNotFound)
	}
	if e.From == e.To {
		return NewBuildError("addEdge", e.From, ErrSelfDependency)
	}

	idx := len(g.edges)
	g.edges = append(g.edges, e)
	g.incoming[e.To] = append(g.incoming[e.To], idx)
	g.outgoing[e.From] = append(g.outgoing[e.From], idx)
	return nil
}

func (g *Graph) hasEdge(from, to string) bool {
	for _, idx := range g.outgoing[from] {
		if g.edges[idx].To == to {
			return true
		}
	}
	return false
}

// sort runs Kahn's algorithm over declaration order so the linearization is
// deterministic. Leftover tasks mean a cycle; the cycle is named in the error.
func (g *Graph) sort() ([]string, error) {
	indegree := make(map[string]int, len(g.tasks))
	for _, id := range g.order {
		indegree[id] = len(g.incoming[id])
	}

	var frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	topo := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		topo = append(topo, id)

		for _, idx := range g.outgoing[id] {
			to := g.edges[idx].To
			indegree[to]--
			if indegree[to] == 0 {
				frontier = append(frontier, to)
			}
		}
	}

	if len(topo) != len(g.tasks) {
		return nil, g.findCycle(indegree)
	}
	return topo, nil
}

// findCycle walks the residual graph (tasks with positive indegree) until a
// task repeats, then reports the loop portion of the walk.
func (g *Graph) findCycle(indegree map[string]int) *CycleError {
	residual := make(map[string]bool, len(indegree))
	for id, deg := range indegree {
		if deg > 0 {
			residual[id] = true
		}
	}

	var start string
	for _, id := range g.order {
		if residual[id] {
			start = id
			break
		}
	}

	seen := make(map[string]int)
	var path []string
	current := start
	for {
		if pos, ok := seen[current]; ok {
			cycle := append([]string{}, path[pos:]...)
			cycle = append(cycle, current)
			// the walk follows incoming edges, so flip it to read in
			// dependency direction
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return &CycleError{Tasks: cycle}
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		for _, idx := range g.incoming[current] {
			from := g.edges[idx].From
			if residual[from] {
				next = from
				break
			}
		}
		if next == "" {
			// should not happen: every residual task has a residual parent
			return &CycleError{Tasks: path}
		}
		current = next
	}
}

// ID returns the graph's unique identifier
func (g *Graph) ID() string {
	return g.id
}

// Name returns the graph's name
func (g *Graph) Name() string {
	return g.name
}

// Len returns the number of tasks in the graph
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Task returns the definition of a task by id
func (g *Graph) Task(id string) (TaskDef, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all task definitions in declaration order
func (g *Graph) Tasks() []TaskDef {
	out := make([]TaskDef, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// TaskIDs returns all task ids in declaration order
func (g *Graph) TaskIDs() []string {
	return append([]string{}, g.order...)
}

// TopologicalOrder returns a valid linearization of the dependency relation.
// Ties are broken by declaration order, so the result is deterministic.
func (g *Graph) TopologicalOrder() []string {
	return append([]string{}, g.topo...)
}

// DependenciesOf returns the ids of the tasks the given task depends on
func (g *Graph) DependenciesOf(id string) []string {
	var deps []string
	for _, idx := range g.incoming[id] {
		deps = append(deps, g.edges[idx].From)
	}
	return deps
}

// DependentsOf returns the ids of the tasks that depend on the given task
func (g *Graph) DependentsOf(id string) []string {
	var deps []string
	for _, idx := range g.outgoing[id] {
		deps = append(deps, g.edges[idx].To)
	}
	return deps
}

// IncomingEdges returns the edges pointing at the given task
func (g *Graph) IncomingEdges(id string) []EdgeDef {
	var out []EdgeDef
	for _, idx := range g.incoming[id] {
		out = append(out, g.edges[idx])
	}
	return out
}

// OutgoingEdges returns the edges leaving the given task
func (g *Graph) OutgoingEdges(id string) []EdgeDef {
	var out []EdgeDef
	for _, idx := range g.outgoing[id] {
		out = append(out, g.edges[idx])
	}
	return out
}

// Extend builds a new graph from this one plus additional task and edge
// definitions, re-running full validation. The receiver is left untouched.
// Extension is bounded: when the graph was built WithMaxTasks, exceeding the
// cap fails with ErrGraphTooLarge.
func (g *Graph) Extend(tasks []TaskDef, edges []EdgeDef) (*Graph, error) {
	combined := g.Tasks()
	combined = append(combined, tasks...)

	combinedEdges := append([]EdgeDef{}, g.edges...)
	combinedEdges = append(combinedEdges, edges...)

	opts := []Option{WithID(g.id)}
	if g.maxTasks > 0 {
		opts = append(opts, WithMaxTasks(g.maxTasks))
	}
	return New(g.name, combined, combinedEdges, opts...)
}
