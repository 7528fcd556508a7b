// Package workflow is the public facade of the engine: it owns the agent
// registry, compiles workflow definitions into task graphs, starts executions
// and answers status queries.
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/avi3tal/agentflow/internal/engine"
	"github.com/avi3tal/agentflow/internal/graph"
	"github.com/avi3tal/agentflow/internal/logging"
	"github.com/avi3tal/agentflow/internal/recovery"
	"github.com/avi3tal/agentflow/internal/store"
)

// Re-exports so callers assemble workflows without reaching into internal packages.
type (
	TaskDef     = graph.TaskDef
	EdgeDef     = graph.EdgeDef
	RetryPolicy = graph.RetryPolicy
	Condition   = graph.Condition
	Transform   = graph.Transform
	Graph       = graph.Graph

	Agent      = engine.Agent
	Invocation = engine.Invocation
	Result     = engine.Result

	// ExecutionSnapshot is a read-only copy of an execution's full state
	ExecutionSnapshot = store.Execution
	ExecutionStatus   = store.ExecutionStatus
	TaskStatus        = store.TaskStatus
	TaskRecord        = store.TaskRecord
	Checkpoint        = store.Checkpoint
	Store             = store.Store
)

// Execution status values
const (
	StatusRunning   = store.ExecutionRunning
	StatusCompleted = store.ExecutionCompleted
	StatusFailed    = store.ExecutionFailed
	StatusPaused    = store.ExecutionPaused
	StatusAborted   = store.ExecutionAborted
)

// Task status values
const (
	TaskPending   = store.TaskPending
	TaskReady     = store.TaskReady
	TaskRunning   = store.TaskRunning
	TaskCompleted = store.TaskCompleted
	TaskFailed    = store.TaskFailed
	TaskSkipped   = store.TaskSkipped
)

var (
	// ErrDuplicateAgent is returned when registering two agents under one id
	ErrDuplicateAgent = errors.New("agent with this ID already registered")

	// ErrAgentNotFound is returned when a workflow references an unknown agent
	ErrAgentNotFound = errors.New("agent not registered")

	// ErrDuplicateWorkflow is returned when defining two workflows under one name
	ErrDuplicateWorkflow = errors.New("workflow with this name already defined")

	// ErrWorkflowNotFound is returned when executing an undefined workflow
	ErrWorkflowNotFound = errors.New("workflow not defined")

	// ErrExecutionNotActive is returned when aborting an execution this
	// orchestrator is not running
	ErrExecutionNotActive = errors.New("execution not active")
)

// Orchestrator registers agents, compiles workflows and runs executions.
// Public methods are safe for concurrent use.
type Orchestrator struct {
	eng    *engine.Engine
	st     store.Store
	logger logging.Logger

	mu         sync.RWMutex
	agents     map[string]engine.Agent
	graphs     map[string]*graph.Graph
	conditions map[string]graph.Condition
	transforms map[string]graph.Transform
	active     map[string]context.CancelFunc
}

// Options holds configuration overrides passed to New
type Options struct {
	// Store is the persistence backend; in-memory by default
	Store store.Store
	// Concurrency bounds in-flight tasks per execution
	Concurrency int
	// Policy decides recovery actions on task failure
	Policy *recovery.Policy
	// Logger receives engine and facade logs
	Logger logging.Logger
}

func New(optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Store:       store.NewMemoryStore(),
		Concurrency: engine.DefaultConcurrency,
		Policy:      recovery.NewPolicy(),
		Logger:      logging.NopLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Orchestrator{
		eng: engine.New(opts.Store,
			engine.WithConcurrency(opts.Concurrency),
			engine.WithPolicy(opts.Policy),
			engine.WithLogger(opts.Logger),
		),
		st:         opts.Store,
		logger:     opts.Logger,
		agents:     make(map[string]engine.Agent),
		graphs:     make(map[string]*graph.Graph),
		conditions: make(map[string]graph.Condition),
		transforms: make(map[string]graph.Transform),
		active:     make(map[string]context.CancelFunc),
	}
}

// RegisterAgent adds an agent to the registry. Registering two agents under
// the same id fails loudly rather than silently shadowing.
func (o *Orchestrator) RegisterAgent(a engine.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.agents[a.ID()]; exists {
		return errors.Wrap(ErrDuplicateAgent, a.ID())
	}
	o.agents[a.ID()] = a
	return nil
}

// RegisterCondition names an edge condition so declarative definitions can
// reference it
func (o *Orchestrator) RegisterCondition(name string, cond graph.Condition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conditions[name] = cond
}

// RegisterTransform names an edge transform for declarative definitions
func (o *Orchestrator) RegisterTransform(name string, tr graph.Transform) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transforms[name] = tr
}

// resolve is the engine's view of the registry
func (o *Orchestrator) resolve(id string) (engine.Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	a, exists := o.agents[id]
	if !exists {
		return nil, errors.Wrap(ErrAgentNotFound, id)
	}
	return a, nil
}

// DefineWorkflow compiles task and edge definitions into a named, reusable
// graph. Every referenced agent (including fallbacks) must already be
// registered, so wiring mistakes surface at definition time, not mid-run.
func (o *Orchestrator) DefineWorkflow(name string, tasks []TaskDef, edges []EdgeDef) (*Graph, error) {
	g, err := graph.New(name, tasks, edges)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.graphs[name]; exists {
		return nil, errors.Wrap(ErrDuplicateWorkflow, name)
	}
	for _, t := range g.Tasks() {
		if _, ok := o.agents[t.AgentID]; !ok {
			return nil, errors.Wrapf(ErrAgentNotFound, "task %s: agent %s", t.ID, t.AgentID)
		}
		if t.Fallback != "" {
			if _, ok := o.agents[t.Fallback]; !ok {
				return nil, errors.Wrapf(ErrAgentNotFound, "task %s: fallback %s", t.ID, t.Fallback)
			}
		}
	}

	o.graphs[name] = g
	return g, nil
}

// Workflow returns a previously defined graph by name
func (o *Orchestrator) Workflow(name string) (*Graph, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.graphs[name]
	return g, ok
}

// Execute starts a run of a defined workflow and returns its execution id
// without blocking; progress is observed through Status or Wait.
func (o *Orchestrator) Execute(ctx context.Context, workflowName string, input map[string]any) (string, error) {
	o.mu.RLock()
	g, exists := o.graphs[workflowName]
	o.mu.RUnlock()
	if !exists {
		return "", errors.Wrap(ErrWorkflowNotFound, workflowName)
	}

	executionID, err := o.eng.Prepare(ctx, g, input)
	if err != nil {
		return "", err
	}

	o.start(ctx, g, executionID)
	return executionID, nil
}

// Resume restores a checkpoint into a new execution and starts it. The
// returned id names the new execution; completed tasks from the checkpoint
// are not re-invoked.
func (o *Orchestrator) Resume(ctx context.Context, checkpointID string) (string, error) {
	cp, err := o.st.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return "", err
	}

	o.mu.RLock()
	g, exists := o.graphs[cp.GraphName]
	o.mu.RUnlock()
	if !exists {
		return "", errors.Wrap(ErrWorkflowNotFound, cp.GraphName)
	}

	executionID, err := o.st.Restore(ctx, checkpointID)
	if err != nil {
		return "", err
	}

	o.start(ctx, g, executionID)
	return executionID, nil
}

// start launches the engine run in the background and tracks its cancel func
func (o *Orchestrator) start(ctx context.Context, g *graph.Graph, executionID string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	o.active[executionID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.active, executionID)
			o.mu.Unlock()
		}()

		if _, err := o.eng.Run(runCtx, g, o.resolve, executionID); err != nil {
			o.logger.Error("execution run failed", "execution", executionID, "error", err)
		}
	}()
}

// StateStore exposes the orchestrator's backing store for read-side tooling
func (o *Orchestrator) StateStore() Store {
	return o.st
}

// Status returns a read-only snapshot of an execution
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	return o.st.Execution(ctx, executionID)
}

// Abort cancels an active execution. In-flight tasks are signalled to stop;
// completed tasks are not rolled back.
func (o *Orchestrator) Abort(executionID string) error {
	o.mu.RLock()
	cancel, exists := o.active[executionID]
	o.mu.RUnlock()
	if !exists {
		return errors.Wrap(ErrExecutionNotActive, executionID)
	}
	cancel()
	return nil
}

// Checkpoint snapshots an execution on demand and returns the checkpoint id
func (o *Orchestrator) Checkpoint(ctx context.Context, executionID string) (string, error) {
	return o.st.Checkpoint(ctx, executionID)
}

// Wait polls until the execution leaves the running state or ctx expires.
// Paused counts as settled: the caller gets the snapshot carrying the
// checkpoint id.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap, err := o.st.Execution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if snap.Status != store.ExecutionRunning {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}
