package engine

import "context"

// Invocation is everything a task hands its agent: the task's static input,
// the transformed outputs of its dependencies, and an immutable snapshot of
// the shared context. Agents never see live shared state.
type Invocation struct {
	ExecutionID string
	TaskID      string
	Attempt     int

	// Input is the task's static input from its definition
	Input any
	// Dependencies maps dependency task id to its output, after edge
	// transforms. Tolerated dependencies that never produced output are absent.
	Dependencies map[string]any
	// Context is a deep-copied snapshot of the shared context at dispatch time
	Context map[string]any
}

// Result is what a successful agent invocation produces
type Result struct {
	// Output becomes the task's recorded result
	Output any
	// ContextUpdates are applied to the shared context atomically with the
	// task's completion
	ContextUpdates map[string]any
}

// Agent is a stateless unit of work. Implementations must honor ctx
// cancellation; agent invocation is the engine's only blocking operation.
type Agent interface {
	ID() string
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Resolver maps an agent id to its registered implementation
type Resolver func(id string) (Agent, error)
