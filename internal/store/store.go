// Package store holds the durable record of executions: per-task state,
// shared context, and checkpoints. All mutation goes through the store so the
// engine's concurrent dispatch never races on shared state.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExecutionNotFound is returned when referencing an unknown execution
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrCheckpointNotFound is returned when referencing an unknown checkpoint
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrExecutionExists is returned when initializing an execution id twice
	ErrExecutionExists = errors.New("execution already initialized")
)

// ExecutionStatus is the overall status of one run
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// Terminal reports whether the execution status is final
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionAborted:
		return true
	default:
		return false
	}
}

// TaskStatus is the status of a single task within an execution
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the task status is final
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// TaskRecord tracks one task's progress within an execution
type TaskRecord struct {
	Status     TaskStatus `json:"status"`
	Result     any        `json:"result,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Execution is the full record of one run of a graph
type Execution struct {
	ID           string                `json:"id"`
	GraphID      string                `json:"graph_id"`
	GraphName    string                `json:"graph_name"`
	Status       ExecutionStatus       `json:"status"`
	Error        string                `json:"error,omitempty"`
	CheckpointID string                `json:"checkpoint_id,omitempty"`
	Tasks        map[string]TaskRecord `json:"tasks"`
	Context      map[string]any        `json:"context"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the execution record
func (e *Execution) Clone() *Execution {
	out := *e
	out.Tasks = make(map[string]TaskRecord, len(e.Tasks))
	for id, rec := range e.Tasks {
		rec.Result = deepCopy(rec.Result)
		out.Tasks[id] = rec
	}
	out.Context = deepCopyMap(e.Context)
	return &out
}

// Checkpoint is an immutable snapshot of an execution's state
type Checkpoint struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	GraphID     string                `json:"graph_id"`
	GraphName   string                `json:"graph_name"`
	Status      ExecutionStatus       `json:"status"`
	Tasks       map[string]TaskRecord `json:"tasks"`
	Context     map[string]any        `json:"context"`
	CreatedAt   time.Time             `json:"created_at"`
}

// TaskUpdate carries one atomic change to a task record. ContextUpdates are
// committed under the same lock as the task state, so a completed task's
// result and its context writes land together or not at all.
type TaskUpdate struct {
	Status         TaskStatus
	Result         any
	Attempts       int
	Err            string
	StartedAt      time.Time
	FinishedAt     time.Time
	ContextUpdates map[string]any
}

// Store is the persistence contract the execution engine drives.
// Implementations must make UpdateTask atomic with respect to concurrent
// callers updating different tasks of the same execution.
type Store interface {
	// Initialize creates a fresh execution record with every task pending and
	// the shared context seeded from input.
	Initialize(ctx context.Context, executionID, graphID, graphName string, taskIDs []string, input map[string]any) error

	// Execution returns a deep-copied snapshot of the execution record.
	Execution(ctx context.Context, executionID string) (*Execution, error)

	// Context returns a deep-copied snapshot of the shared context. Agents
	// only ever see these copies.
	Context(ctx context.Context, executionID string) (map[string]any, error)

	// UpdateTask atomically applies a task update.
	UpdateTask(ctx context.Context, executionID, taskID string, update TaskUpdate) error

	// SetStatus transitions the overall execution status. Terminal statuses
	// are immutable once reached.
	SetStatus(ctx context.Context, executionID string, status ExecutionStatus, execErr string) error

	// Checkpoint snapshots the execution and returns the checkpoint id.
	Checkpoint(ctx context.Context, executionID string) (string, error)

	// LoadCheckpoint returns a deep copy of a stored checkpoint.
	LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// Restore spawns a new execution from a checkpoint. Completed and skipped
	// tasks keep their results; everything else is reset to pending so a
	// resumed run replays only unfinished work.
	Restore(ctx context.Context, checkpointID string) (string, error)

	// Checkpoints lists checkpoint ids for an execution, oldest first.
	Checkpoints(ctx context.Context, executionID string) ([]string, error)
}

// restoreTask resets a task record for a restored execution
func restoreTask(rec TaskRecord) TaskRecord {
	switch rec.Status {
	case TaskCompleted, TaskSkipped:
		return rec
	default:
		return TaskRecord{Status: TaskPending}
	}
}
