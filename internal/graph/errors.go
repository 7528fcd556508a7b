package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyGraph is returned when building a graph with no tasks
	ErrEmptyGraph = errors.New("graph must contain at least one task")

	// ErrDuplicateTask is returned when two task definitions share an id
	ErrDuplicateTask = errors.New("task with this ID already exists")

	// ErrTaskNotFound is returned when referencing a non-existent task
	ErrTaskNotFound = errors.New("task not found")

	// ErrMissingAgent is returned when a task definition has no agent bound
	ErrMissingAgent = errors.New("task must be bound to an agent")

	// ErrSelfDependency is returned when a task depends on itself
	ErrSelfDependency = errors.New("task cannot depend on itself")

	// ErrGraphTooLarge is returned when Extend would exceed the task cap
	ErrGraphTooLarge = errors.New("graph exceeds its maximum task count")
)

// BuildError represents an error that occurs during graph construction
type BuildError struct {
	// Op is the operation that failed
	Op string
	// Task is the id of the task involved (if any)
	Task string
	// Err is the underlying error
	Err error
}

func (e *BuildError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("graph build failed: %s: task '%s': %v", e.Op, e.Task, e.Err)
	}
	return fmt.Sprintf("graph build failed: %s: %v", e.Op, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError creates a new BuildError
func NewBuildError(op string, task string, err error) error {
	return &BuildError{
		Op:   op,
		Task: task,
		Err:  err,
	}
}

// CycleError is returned when the dependency relation is not acyclic.
// Tasks holds one offending cycle in traversal order.
type CycleError struct {
	Tasks []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(e.Tasks, " -> "))
}
