package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/avi3tal/agentflow/internal/graph"
	"github.com/avi3tal/agentflow/internal/recovery"
)

// outcome is one task's final report back to the dispatch loop. Retries and
// fallbacks happen inside the worker, so the loop only ever sees terminal
// verdicts.
type outcome struct {
	taskID   string
	result   Result
	err      error
	action   recovery.Action
	attempts int
}

// runTask drives one task to success or a terminal recovery verdict. The
// worker holds its concurrency slot through retries and backoff; a slot is a
// claim on the task, not on a single attempt.
func (e *Engine) runTask(ctx context.Context, task graph.TaskDef, resolve Resolver, inv Invocation, priorAttempts int, outcomes chan<- outcome) {
	attempts := priorAttempts
	fallbackTried := false

	agent, err := resolve(task.AgentID)
	if err != nil {
		outcomes <- outcome{
			taskID:   task.ID,
			err:      errors.Wrapf(err, "resolve agent for task %s", task.ID),
			action:   recovery.ActionAbort,
			attempts: attempts,
		}
		return
	}

	for {
		if ctx.Err() != nil {
			outcomes <- outcome{taskID: task.ID, err: ctx.Err(), action: recovery.ActionAbort, attempts: attempts}
			return
		}

		attempts++
		inv.Attempt = attempts

		result, err := e.invoke(ctx, agent, task, inv)
		if err == nil {
			outcomes <- outcome{taskID: task.ID, result: result, attempts: attempts}
			return
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// cancelled mid-attempt: not a task failure to recover from
			outcomes <- outcome{taskID: task.ID, err: err, action: recovery.ActionAbort, attempts: attempts}
			return
		}

		verdict := e.policy.Decide(task, err, attempts, fallbackTried)
		switch verdict.Action {
		case recovery.ActionRetry:
			e.logger.Debug("retrying task", "task", task.ID, "attempt", attempts, "delay", verdict.Delay, "error", err)
			select {
			case <-ctx.Done():
				outcomes <- outcome{taskID: task.ID, err: ctx.Err(), action: recovery.ActionAbort, attempts: attempts}
				return
			case <-time.After(verdict.Delay):
			}
		case recovery.ActionFallback:
			fallbackTried = true
			fb, ferr := resolve(verdict.FallbackAgent)
			if ferr != nil {
				// unresolvable fallback burns the fallback rule and
				// escalates on the original error
				e.logger.Warn("fallback agent unavailable", "task", task.ID, "fallback", verdict.FallbackAgent, "error", ferr)
				continue
			}
			e.logger.Debug("switching to fallback agent", "task", task.ID, "fallback", verdict.FallbackAgent)
			agent = fb
		default:
			outcomes <- outcome{taskID: task.ID, err: err, action: verdict.Action, attempts: attempts}
			return
		}
	}
}

// invoke runs a single agent attempt, enforcing the task's declared timeout.
// On expiry the attempt fails with a TimeoutError while the agent goroutine
// is cancelled and left to wind down on its own.
func (e *Engine) invoke(ctx context.Context, agent Agent, task graph.TaskDef, inv Invocation) (Result, error) {
	if task.Timeout <= 0 {
		return e.call(ctx, agent, task, inv)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	type reply struct {
		result Result
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		r, err := e.call(attemptCtx, agent, task, inv)
		done <- reply{result: r, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && attemptCtx.Err() == context.DeadlineExceeded {
			return Result{}, &recovery.TimeoutError{TaskID: task.ID, Timeout: task.Timeout, Retryable: task.RetryOnTimeout}
		}
		return r.result, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &recovery.TimeoutError{TaskID: task.ID, Timeout: task.Timeout, Retryable: task.RetryOnTimeout}
	}
}

// call invokes the agent, stamping the failing task id onto tagged errors.
// Untagged errors pass through as-is so the policy's matchers can classify
// them.
func (e *Engine) call(ctx context.Context, agent Agent, task graph.TaskDef, inv Invocation) (Result, error) {
	result, err := agent.Execute(ctx, inv)
	if err == nil {
		return result, nil
	}

	var agentErr *recovery.AgentError
	if errors.As(err, &agentErr) && agentErr.TaskID == "" {
		agentErr.TaskID = task.ID
	}
	return Result{}, err
}
