package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avi3tal/agentflow/internal/graph"
	"github.com/avi3tal/agentflow/internal/recovery"
	"github.com/avi3tal/agentflow/internal/store"
)

// runState is the engine's working view of one execution. It is owned by the
// single dispatch loop; worker goroutines report through the outcome channel
// and never touch it.
type runState struct {
	graph       *graph.Graph
	executionID string

	status   map[string]store.TaskStatus
	results  map[string]any
	attempts map[string]int
}

func newRunState(g *graph.Graph, snap *store.Execution) (*runState, error) {
	rs := &runState{
		graph:       g,
		executionID: snap.ID,
		status:      make(map[string]store.TaskStatus, g.Len()),
		results:     make(map[string]any, g.Len()),
		attempts:    make(map[string]int, g.Len()),
	}

	for _, id := range g.TaskIDs() {
		rec, ok := snap.Tasks[id]
		if !ok {
			return nil, fmt.Errorf("execution %s has no record for task %s", snap.ID, id)
		}
		status := rec.Status
		// a run or ready marker left behind by an interrupted process is
		// unfinished work
		if status == store.TaskRunning || status == store.TaskReady {
			status = store.TaskPending
		}
		rs.status[id] = status
		rs.attempts[id] = rec.Attempts
		if status == store.TaskCompleted {
			rs.results[id] = rec.Result
		}
	}
	return rs, nil
}

// readiness of one pending task against its incoming edges
type readiness int

const (
	waiting readiness = iota
	runnable
	skip
	blocked
)

// evaluate decides whether a pending task can start. A task is runnable once
// every incoming edge is satisfied: source completed with a true condition,
// or source skipped/failed on a tolerated edge. A false condition, or an
// untolerated skip upstream, turns the task into a skip of its own; an
// untolerated failure blocks it for good.
func (rs *runState) evaluate(taskID string) (readiness, string) {
	condFalse := false
	skipUpstream := false

	for _, e := range rs.graph.IncomingEdges(taskID) {
		switch rs.status[e.From] {
		case store.TaskCompleted:
			if e.Condition != nil && !e.Condition(rs.results[e.From]) {
				condFalse = true
			}
		case store.TaskSkipped:
			if !rs.tolerated(e) {
				skipUpstream = true
			}
		case store.TaskFailed:
			if !rs.tolerated(e) {
				return blocked, e.From
			}
		default:
			return waiting, ""
		}
	}

	if condFalse || skipUpstream {
		return skip, ""
	}
	return runnable, ""
}

// tolerated reports whether an edge lets the downstream task proceed despite
// a skipped or failed source. Edges out of optional tasks are tolerated
// automatically.
func (rs *runState) tolerated(e graph.EdgeDef) bool {
	if e.Tolerate {
		return true
	}
	src, ok := rs.graph.Task(e.From)
	return ok && src.Optional
}

// sweep resolves every pending task that can no longer run: condition-skips
// cascade downstream, and tasks behind an untolerated failure are failed with
// a blocked-by-dependency error. Runs to a fixed point so chains settle in
// one pass.
func (e *Engine) sweep(ctx context.Context, rs *runState) error {
	for changed := true; changed; {
		changed = false
		for _, taskID := range rs.graph.TaskIDs() {
			st := rs.status[taskID]
			if st != store.TaskPending && st != store.TaskReady {
				continue
			}

			switch r, dep := rs.evaluate(taskID); r {
			case skip:
				changed = true
				rs.status[taskID] = store.TaskSkipped
				e.logger.Debug("task skipped", "execution", rs.executionID, "task", taskID)
				if err := e.store.UpdateTask(ctx, rs.executionID, taskID, store.TaskUpdate{
					Status:     store.TaskSkipped,
					FinishedAt: time.Now().UTC(),
				}); err != nil {
					return err
				}
			case blocked:
				changed = true
				rs.status[taskID] = store.TaskFailed
				blockedErr := &recovery.BlockedError{TaskID: taskID, DepID: dep}
				e.logger.Debug("task blocked", "execution", rs.executionID, "task", taskID, "dependency", dep)
				if err := e.store.UpdateTask(ctx, rs.executionID, taskID, store.TaskUpdate{
					Status:     store.TaskFailed,
					Err:        blockedErr.Error(),
					FinishedAt: time.Now().UTC(),
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ready returns the tasks eligible to start, in declaration order. Ties for
// the last concurrency slot therefore resolve deterministically.
func (rs *runState) ready() []string {
	var out []string
	for _, taskID := range rs.graph.TaskIDs() {
		st := rs.status[taskID]
		if st != store.TaskPending && st != store.TaskReady {
			continue
		}
		if r, _ := rs.evaluate(taskID); r == runnable {
			out = append(out, taskID)
		}
	}
	return out
}

// dependencyOutputs collects the outputs of a task's completed dependencies,
// applying edge transforms. Tolerated dependencies that produced nothing are
// left out.
func (rs *runState) dependencyOutputs(taskID string) map[string]any {
	deps := make(map[string]any)
	for _, e := range rs.graph.IncomingEdges(taskID) {
		if rs.status[e.From] != store.TaskCompleted {
			continue
		}
		out := rs.results[e.From]
		if e.Transform != nil {
			out = e.Transform(out)
		}
		deps[e.From] = out
	}
	return deps
}

// done reports whether every task reached a terminal status
func (rs *runState) done() bool {
	return rs.remaining() == 0
}

func (rs *runState) remaining() int {
	n := 0
	for _, st := range rs.status {
		if !st.Terminal() {
			n++
		}
	}
	return n
}

// failedWithoutTolerance returns failed tasks whose failure actually matters:
// a failed task is forgiven only when every one of its outgoing edges
// tolerates the failure.
func (rs *runState) failedWithoutTolerance() []string {
	var out []string
	for _, taskID := range rs.graph.TaskIDs() {
		if rs.status[taskID] != store.TaskFailed {
			continue
		}
		edges := rs.graph.OutgoingEdges(taskID)
		forgiven := len(edges) > 0
		for _, e := range edges {
			if !e.Tolerate {
				forgiven = false
				break
			}
		}
		if !forgiven {
			out = append(out, taskID)
		}
	}
	return out
}

func (rs *runState) failureSummary(failed []string) string {
	parts := make([]string, 0, len(failed))
	for _, taskID := range failed {
		parts = append(parts, fmt.Sprintf("%s (attempts: %d)", taskID, rs.attempts[taskID]))
	}
	return "tasks failed: " + strings.Join(parts, ", ")
}
