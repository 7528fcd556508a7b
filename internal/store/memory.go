package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryStore keeps executions and checkpoints in process memory. It is the
// default backend and the reference implementation of the Store contract.
type MemoryStore struct {
	executions  map[string]*Execution
	checkpoints map[string]*Checkpoint
	// checkpoint ids per execution, oldest first
	byExecution map[string][]string
	mu          sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*Execution),
		checkpoints: make(map[string]*Checkpoint),
		byExecution: make(map[string][]string),
	}
}

func (m *MemoryStore) Initialize(_ context.Context, executionID, graphID, graphName string, taskIDs []string, input map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[executionID]; exists {
		return errors.Wrap(ErrExecutionExists, executionID)
	}

	tasks := make(map[string]TaskRecord, len(taskIDs))
	for _, id := range taskIDs {
		tasks[id] = TaskRecord{Status: TaskPending}
	}

	m.executions[executionID] = &Execution{
		ID:        executionID,
		GraphID:   graphID,
		GraphName: graphName,
		Status:    ExecutionRunning,
		Tasks:     tasks,
		Context:   deepCopyMap(input),
		StartedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) Execution(_ context.Context, executionID string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, exists := m.executions[executionID]
	if !exists {
		return nil, errors.Wrap(ErrExecutionNotFound, executionID)
	}
	return exec.Clone(), nil
}

func (m *MemoryStore) Context(_ context.Context, executionID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, exists := m.executions[executionID]
	if !exists {
		return nil, errors.Wrap(ErrExecutionNotFound, executionID)
	}
	snapshot := deepCopyMap(exec.Context)
	if snapshot == nil {
		snapshot = make(map[string]any)
	}
	return snapshot, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, executionID, taskID string, update TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, exists := m.executions[executionID]
	if !exists {
		return errors.Wrap(ErrExecutionNotFound, executionID)
	}
	rec, exists := exec.Tasks[taskID]
	if !exists {
		return errors.Errorf("unknown task %s in execution %s", taskID, executionID)
	}

	rec.Status = update.Status
	if update.Result != nil {
		rec.Result = update.Result
	}
	if update.Attempts > 0 {
		rec.Attempts = update.Attempts
	}
	rec.LastError = update.Err
	if !update.StartedAt.IsZero() {
		rec.StartedAt = update.StartedAt
	}
	if !update.FinishedAt.IsZero() {
		rec.FinishedAt = update.FinishedAt
	}
	exec.Tasks[taskID] = rec

	if len(update.ContextUpdates) > 0 {
		if exec.Context == nil {
			exec.Context = make(map[string]any)
		}
		for k, v := range update.ContextUpdates {
			exec.Context[k] = deepCopy(v)
		}
	}
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, executionID string, status ExecutionStatus, execErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, exists := m.executions[executionID]
	if !exists {
		return errors.Wrap(ErrExecutionNotFound, executionID)
	}
	if exec.Status.Terminal() {
		return errors.Errorf("execution %s already terminal (%s)", executionID, exec.Status)
	}

	exec.Status = status
	exec.Error = execErr
	if status.Terminal() || status == ExecutionPaused {
		exec.FinishedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) Checkpoint(_ context.Context, executionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, exists := m.executions[executionID]
	if !exists {
		return "", errors.Wrap(ErrExecutionNotFound, executionID)
	}

	snapshot := exec.Clone()
	cp := &Checkpoint{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		GraphID:     snapshot.GraphID,
		GraphName:   snapshot.GraphName,
		Status:      snapshot.Status,
		Tasks:       snapshot.Tasks,
		Context:     snapshot.Context,
		CreatedAt:   time.Now().UTC(),
	}
	m.checkpoints[cp.ID] = cp
	m.byExecution[executionID] = append(m.byExecution[executionID], cp.ID)
	exec.CheckpointID = cp.ID
	return cp.ID, nil
}

func (m *MemoryStore) LoadCheckpoint(_ context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[checkpointID]
	if !exists {
		return nil, errors.Wrap(ErrCheckpointNotFound, checkpointID)
	}

	out := *cp
	out.Tasks = make(map[string]TaskRecord, len(cp.Tasks))
	for id, rec := range cp.Tasks {
		rec.Result = deepCopy(rec.Result)
		out.Tasks[id] = rec
	}
	out.Context = deepCopyMap(cp.Context)
	return &out, nil
}

func (m *MemoryStore) Restore(ctx context.Context, checkpointID string) (string, error) {
	cp, err := m.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newID := uuid.New().String()
	tasks := make(map[string]TaskRecord, len(cp.Tasks))
	for id, rec := range cp.Tasks {
		tasks[id] = restoreTask(rec)
	}

	m.executions[newID] = &Execution{
		ID:        newID,
		GraphID:   cp.GraphID,
		GraphName: cp.GraphName,
		Status:    ExecutionRunning,
		Tasks:     tasks,
		Context:   cp.Context,
		StartedAt: time.Now().UTC(),
	}
	return newID, nil
}

func (m *MemoryStore) Checkpoints(_ context.Context, executionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.executions[executionID]; !exists {
		return nil, errors.Wrap(ErrExecutionNotFound, executionID)
	}
	return append([]string{}, m.byExecution[executionID]...), nil
}
