// Package engine walks a task graph in dependency order, dispatching ready
// tasks concurrently up to a configurable limit and driving every task to a
// terminal state through the recovery policy.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/avi3tal/agentflow/internal/graph"
	"github.com/avi3tal/agentflow/internal/logging"
	"github.com/avi3tal/agentflow/internal/recovery"
	"github.com/avi3tal/agentflow/internal/store"
)

const DefaultConcurrency = 4

// ErrExecutionTerminal is returned when running an execution that already
// reached a terminal status
var ErrExecutionTerminal = errors.New("execution already terminal")

// Engine executes task graphs against a state store
type Engine struct {
	store       store.Store
	policy      *recovery.Policy
	logger      logging.Logger
	concurrency int
}

type Option func(*Engine)

// WithConcurrency bounds the number of tasks in flight for one execution.
// The bound is shared across the whole execution, not per dependency level.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPolicy sets the recovery policy
func WithPolicy(p *recovery.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithLogger sets the engine logger
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		policy:      recovery.NewPolicy(),
		logger:      logging.NopLogger{},
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Store exposes the engine's state store for status queries
func (e *Engine) Store() store.Store {
	return e.store
}

// Prepare initializes a fresh execution record for the graph and returns its
// id. Scheduling starts when Run is called with the id.
func (e *Engine) Prepare(ctx context.Context, g *graph.Graph, input map[string]any) (string, error) {
	executionID := uuid.New().String()
	if err := e.store.Initialize(ctx, executionID, g.ID(), g.Name(), g.TaskIDs(), input); err != nil {
		return "", err
	}
	return executionID, nil
}

// stop reasons for the dispatch loop
type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopAbort
	stopCancel
)

// Run drives an initialized (or restored) execution to a terminal or paused
// state and returns the final snapshot. A failed execution is not an error
// here: the outcome is carried by the snapshot's status.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, resolve Resolver, executionID string) (*store.Execution, error) {
	snap, err := e.store.Execution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return snap, errors.Wrap(ErrExecutionTerminal, executionID)
	}

	rs, err := newRunState(g, snap)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered so workers can always deliver, even if the loop bails out on a
	// store failure
	outcomes := make(chan outcome, g.Len())
	inflight := 0
	reason := stopNone
	var stopErr error

	for {
		if reason == stopNone {
			if err := e.sweep(ctx, rs); err != nil {
				return nil, err
			}

			for _, taskID := range rs.ready() {
				if inflight >= e.concurrency {
					if err := e.markReady(ctx, rs, taskID); err != nil {
						return nil, err
					}
					continue
				}
				if err := e.dispatch(runCtx, ctx, rs, resolve, taskID, outcomes); err != nil {
					return nil, err
				}
				inflight++
			}
		}

		if inflight == 0 {
			break
		}

		var out outcome
		if reason == stopNone {
			select {
			case out = <-outcomes:
			case <-ctx.Done():
				reason = stopCancel
				stopErr = ctx.Err()
				cancel()
				continue
			}
		} else {
			// draining: in-flight tasks are allowed to finish (pause) or
			// observe cancellation (abort); either way every dispatched task
			// reports exactly once
			out = <-outcomes
		}
		inflight--

		r, err := e.settle(ctx, rs, out)
		if err != nil {
			return nil, err
		}
		if r != stopNone && reason == stopNone {
			reason = r
			stopErr = out.err
			if r == stopAbort {
				cancel()
			}
		}
	}

	if reason == stopNone && !rs.done() {
		// the graph validated as acyclic, so an empty ready set with work
		// remaining is an engine bug
		err := errors.Errorf("no runnable tasks but %d not terminal", rs.remaining())
		_ = e.store.SetStatus(ctx, executionID, store.ExecutionFailed, err.Error())
		return nil, err
	}

	if err := e.finalize(ctx, rs, reason, stopErr); err != nil {
		return nil, err
	}
	return e.store.Execution(ctx, executionID)
}

// finalize commits the overall execution status once dispatch has settled
func (e *Engine) finalize(ctx context.Context, rs *runState, reason stopReason, stopErr error) error {
	var status store.ExecutionStatus
	var msg string

	switch reason {
	case stopPause:
		checkpointID, err := e.store.Checkpoint(ctx, rs.executionID)
		if err != nil {
			return errors.Wrap(err, "checkpoint on pause")
		}
		status = store.ExecutionPaused
		msg = stopErr.Error()
		e.logger.Info("execution paused", "execution", rs.executionID, "checkpoint", checkpointID, "error", msg)
	case stopAbort:
		status = store.ExecutionFailed
		msg = stopErr.Error()
		e.logger.Info("execution failed", "execution", rs.executionID, "error", msg)
	case stopCancel:
		status = store.ExecutionAborted
		if stopErr != nil {
			msg = stopErr.Error()
		}
		e.logger.Info("execution aborted", "execution", rs.executionID)
	default:
		if failed := rs.failedWithoutTolerance(); len(failed) > 0 {
			status = store.ExecutionFailed
			msg = rs.failureSummary(failed)
			e.logger.Info("execution failed", "execution", rs.executionID, "tasks", failed)
		} else {
			status = store.ExecutionCompleted
			e.logger.Info("execution completed", "execution", rs.executionID)
		}
	}

	return e.store.SetStatus(ctx, rs.executionID, status, msg)
}

// markReady records that a task is eligible but waiting for a concurrency slot
func (e *Engine) markReady(ctx context.Context, rs *runState, taskID string) error {
	if rs.status[taskID] == store.TaskReady {
		return nil
	}
	rs.status[taskID] = store.TaskReady
	return e.store.UpdateTask(ctx, rs.executionID, taskID, store.TaskUpdate{Status: store.TaskReady})
}

// dispatch marks a task running and launches its worker goroutine. The
// concurrency bound is enforced by the caller before dispatch, never by
// anything that would serialize unrelated tasks.
func (e *Engine) dispatch(runCtx, ctx context.Context, rs *runState, resolve Resolver, taskID string, outcomes chan<- outcome) error {
	task, _ := rs.graph.Task(taskID)

	inv := Invocation{
		ExecutionID:  rs.executionID,
		TaskID:       taskID,
		Input:        task.Input,
		Dependencies: rs.dependencyOutputs(taskID),
	}
	snapshot, err := e.store.Context(ctx, rs.executionID)
	if err != nil {
		return err
	}
	inv.Context = snapshot

	rs.status[taskID] = store.TaskRunning
	if err := e.store.UpdateTask(ctx, rs.executionID, taskID, store.TaskUpdate{
		Status:    store.TaskRunning,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	e.logger.Debug("dispatching task", "execution", rs.executionID, "task", taskID)
	go e.runTask(runCtx, task, resolve, inv, rs.attempts[taskID], outcomes)
	return nil
}

// settle applies one task outcome to the store and reports whether dispatch
// must stop
func (e *Engine) settle(ctx context.Context, rs *runState, out outcome) (stopReason, error) {
	rs.attempts[out.taskID] = out.attempts
	now := time.Now().UTC()

	if out.err == nil {
		rs.status[out.taskID] = store.TaskCompleted
		rs.results[out.taskID] = out.result.Output
		e.logger.Debug("task completed", "execution", rs.executionID, "task", out.taskID, "attempts", out.attempts)
		return stopNone, e.store.UpdateTask(ctx, rs.executionID, out.taskID, store.TaskUpdate{
			Status:         store.TaskCompleted,
			Result:         out.result.Output,
			Attempts:       out.attempts,
			FinishedAt:     now,
			ContextUpdates: out.result.ContextUpdates,
		})
	}

	e.logger.Warn("task failed", "execution", rs.executionID, "task", out.taskID,
		"attempts", out.attempts, "action", string(out.action), "error", out.err)

	switch out.action {
	case recovery.ActionSkip:
		rs.status[out.taskID] = store.TaskSkipped
		return stopNone, e.store.UpdateTask(ctx, rs.executionID, out.taskID, store.TaskUpdate{
			Status:     store.TaskSkipped,
			Attempts:   out.attempts,
			Err:        out.err.Error(),
			FinishedAt: now,
		})
	case recovery.ActionPause:
		rs.status[out.taskID] = store.TaskFailed
		err := e.store.UpdateTask(ctx, rs.executionID, out.taskID, store.TaskUpdate{
			Status:     store.TaskFailed,
			Attempts:   out.attempts,
			Err:        out.err.Error(),
			FinishedAt: now,
		})
		return stopPause, err
	default:
		rs.status[out.taskID] = store.TaskFailed
		err := e.store.UpdateTask(ctx, rs.executionID, out.taskID, store.TaskUpdate{
			Status:     store.TaskFailed,
			Attempts:   out.attempts,
			Err:        out.err.Error(),
			FinishedAt: now,
		})
		var stop stopReason
		if out.action == recovery.ActionAbort {
			stop = stopAbort
		}
		return stop, err
	}
}
