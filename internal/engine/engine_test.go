package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/avi3tal/agentflow/internal/graph"
	"github.com/avi3tal/agentflow/internal/recovery"
	"github.com/avi3tal/agentflow/internal/store"
)

type fakeAgent struct {
	id string
	fn func(ctx context.Context, inv Invocation) (Result, error)
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return a.fn(ctx, inv)
}

// echoAgent completes immediately, recording which tasks invoked it
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, taskID)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func echoAgent(id string, log *callLog) Agent {
	return &fakeAgent{id: id, fn: func(_ context.Context, inv Invocation) (Result, error) {
		if log != nil {
			log.record(inv.TaskID)
		}
		return Result{Output: "out:" + inv.TaskID}, nil
	}}
}

func resolverFor(agents ...Agent) Resolver {
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byID[a.ID()] = a
	}
	return func(id string) (Agent, error) {
		a, ok := byID[id]
		if !ok {
			return nil, errors.Errorf("agent not registered: %s", id)
		}
		return a, nil
	}
}

func mustGraph(t *testing.T, name string, tasks []graph.TaskDef, edges []graph.EdgeDef) *graph.Graph {
	t.Helper()
	g, err := graph.New(name, tasks, edges)
	require.NoError(t, err)
	return g
}

func runGraph(t *testing.T, e *Engine, g *graph.Graph, resolve Resolver, input map[string]any) *store.Execution {
	t.Helper()
	ctx := context.Background()
	execID, err := e.Prepare(ctx, g, input)
	require.NoError(t, err)
	snap, err := e.Run(ctx, g, resolve, execID)
	require.NoError(t, err)
	return snap
}

// fastRetry keeps backoff out of test wall time
func fastRetry(maxAttempts int) *graph.RetryPolicy {
	return &graph.RetryPolicy{MaxAttempts: maxAttempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2.0}
}

func TestEngineDiamond(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	g := mustGraph(t, "diamond", []graph.TaskDef{
		{ID: "a", AgentID: "echo"},
		{ID: "b", AgentID: "echo", DependsOn: []string{"a"}},
		{ID: "c", AgentID: "echo", DependsOn: []string{"a"}},
		{ID: "d", AgentID: "join", DependsOn: []string{"b", "c"}},
	}, nil)

	var joined map[string]any
	join := &fakeAgent{id: "join", fn: func(_ context.Context, inv Invocation) (Result, error) {
		joined = inv.Dependencies
		return Result{Output: "joined"}, nil
	}}

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(echoAgent("echo", log), join), map[string]any{"seed": "x"})

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.Equal(t, store.TaskCompleted, snap.Tasks[id].Status, "task %s", id)
		require.Equal(t, 1, snap.Tasks[id].Attempts, "task %s", id)
	}
	require.Equal(t, "joined", snap.Tasks["d"].Result)

	// the join saw both upstream outputs
	require.Equal(t, map[string]any{"b": "out:b", "c": "out:c"}, joined)

	// a ran before b and c, which ran before d
	calls := log.list()
	require.Equal(t, "a", calls[0])
	require.Len(t, calls, 3)
}

func TestEngineRetryThenSucceed(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int32
	flaky := &fakeAgent{id: "flaky", fn: func(_ context.Context, inv Invocation) (Result, error) {
		if invocations.Add(1) == 1 {
			return Result{}, recovery.Transient(errors.New("connection reset"))
		}
		return Result{Output: "recovered"}, nil
	}}

	g := mustGraph(t, "retry", []graph.TaskDef{
		{ID: "a", AgentID: "flaky", Retry: fastRetry(3)},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(flaky), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, store.TaskCompleted, snap.Tasks["a"].Status)
	require.Equal(t, 2, snap.Tasks["a"].Attempts)
	require.Equal(t, "recovered", snap.Tasks["a"].Result)
}

func TestEngineRetriesExhausted(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int32
	flaky := &fakeAgent{id: "flaky", fn: func(_ context.Context, _ Invocation) (Result, error) {
		invocations.Add(1)
		return Result{}, recovery.Transient(errors.New("still down"))
	}}

	g := mustGraph(t, "exhaust", []graph.TaskDef{
		{ID: "a", AgentID: "flaky", Retry: fastRetry(3)},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(flaky), nil)

	require.Equal(t, store.ExecutionFailed, snap.Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["a"].Status)
	require.Equal(t, 3, snap.Tasks["a"].Attempts)
	require.EqualValues(t, 3, invocations.Load())
}

func TestEngineFallback(t *testing.T) {
	t.Parallel()

	primary := &fakeAgent{id: "primary", fn: func(_ context.Context, _ Invocation) (Result, error) {
		return Result{}, recovery.Permanent(errors.New("model deprecated"))
	}}
	backup := &fakeAgent{id: "backup", fn: func(_ context.Context, _ Invocation) (Result, error) {
		return Result{Output: "from backup"}, nil
	}}

	g := mustGraph(t, "fallback", []graph.TaskDef{
		{ID: "a", AgentID: "primary", Fallback: "backup"},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(primary, backup), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, "from backup", snap.Tasks["a"].Result)
	require.Equal(t, 2, snap.Tasks["a"].Attempts)
}

func TestEngineOptionalFailureSkips(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	broken := &fakeAgent{id: "broken", fn: func(_ context.Context, _ Invocation) (Result, error) {
		return Result{}, recovery.Permanent(errors.New("no such tool"))
	}}

	// enrich is optional: its failure must not stop report
	g := mustGraph(t, "optional", []graph.TaskDef{
		{ID: "fetch", AgentID: "echo"},
		{ID: "enrich", AgentID: "broken", DependsOn: []string{"fetch"}, Optional: true},
		{ID: "report", AgentID: "echo", DependsOn: []string{"fetch", "enrich"}},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(echoAgent("echo", log), broken), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, store.TaskSkipped, snap.Tasks["enrich"].Status)
	require.NotEmpty(t, snap.Tasks["enrich"].LastError)
	require.Equal(t, store.TaskCompleted, snap.Tasks["report"].Status)
	require.Contains(t, log.list(), "report")
}

func TestEngineCriticalFailurePausesWithCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var approveCalls atomic.Int32
	approve := &fakeAgent{id: "approve", fn: func(_ context.Context, _ Invocation) (Result, error) {
		approveCalls.Add(1)
		return Result{}, recovery.Permanent(errors.New("approval service down"))
	}}
	log := &callLog{}

	g := mustGraph(t, "critical", []graph.TaskDef{
		{ID: "draft", AgentID: "echo"},
		{ID: "approve", AgentID: "approve", DependsOn: []string{"draft"}, Critical: true},
		{ID: "publish", AgentID: "echo", DependsOn: []string{"approve"}},
	}, nil)

	st := store.NewMemoryStore()
	e := New(st)
	snap := runGraph(t, e, g, resolverFor(echoAgent("echo", log), approve), nil)

	require.Equal(t, store.ExecutionPaused, snap.Status)
	require.Equal(t, store.TaskCompleted, snap.Tasks["draft"].Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["approve"].Status)
	require.Equal(t, store.TaskPending, snap.Tasks["publish"].Status)
	require.NotEmpty(t, snap.CheckpointID)

	// resume from the checkpoint with the approval service back up
	newID, err := st.Restore(ctx, snap.CheckpointID)
	require.NoError(t, err)

	fixed := &fakeAgent{id: "approve", fn: func(_ context.Context, _ Invocation) (Result, error) {
		return Result{Output: "approved"}, nil
	}}
	resumed, err := e.Run(ctx, g, resolverFor(echoAgent("echo", log), fixed), newID)
	require.NoError(t, err)

	require.Equal(t, store.ExecutionCompleted, resumed.Status)
	require.Equal(t, store.TaskCompleted, resumed.Tasks["approve"].Status)
	require.Equal(t, store.TaskCompleted, resumed.Tasks["publish"].Status)
	// draft completed before the pause and must not re-run
	require.Equal(t, []string{"draft", "publish"}, log.list())
	require.EqualValues(t, 1, approveCalls.Load())
}

func TestEngineAbortOnPermanentFailure(t *testing.T) {
	t.Parallel()

	broken := &fakeAgent{id: "broken", fn: func(_ context.Context, _ Invocation) (Result, error) {
		return Result{}, recovery.Permanent(errors.New("bad request"))
	}}
	started := make(chan struct{}, 1)
	slow := &fakeAgent{id: "slow", fn: func(ctx context.Context, _ Invocation) (Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}

	g := mustGraph(t, "abort", []graph.TaskDef{
		{ID: "a", AgentID: "slow"},
		{ID: "b", AgentID: "broken"},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(broken, slow), nil)

	// b's permanent failure aborts the run; the in-flight a observes
	// cancellation instead of getting a recovery verdict
	require.Equal(t, store.ExecutionFailed, snap.Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["b"].Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["a"].Status)
	select {
	case <-started:
	default:
		t.Fatal("slow task never started")
	}
}

func TestEngineConditionSkipCascades(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	g := mustGraph(t, "conditional", []graph.TaskDef{
		{ID: "score", AgentID: "echo"},
		{ID: "escalate", AgentID: "echo"},
		{ID: "page", AgentID: "echo", DependsOn: []string{"escalate"}},
	}, []graph.EdgeDef{
		{From: "score", To: "escalate", Condition: func(out any) bool {
			return strings.Contains(out.(string), "critical")
		}},
	})

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(echoAgent("echo", log)), nil)

	// score outputs "out:score", so the condition is false and the whole
	// escalation branch is skipped
	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, store.TaskCompleted, snap.Tasks["score"].Status)
	require.Equal(t, store.TaskSkipped, snap.Tasks["escalate"].Status)
	require.Equal(t, store.TaskSkipped, snap.Tasks["page"].Status)
	require.Equal(t, []string{"score"}, log.list())
}

func TestEngineEdgeTransform(t *testing.T) {
	t.Parallel()

	var seen map[string]any
	sink := &fakeAgent{id: "sink", fn: func(_ context.Context, inv Invocation) (Result, error) {
		seen = inv.Dependencies
		return Result{Output: "done"}, nil
	}}

	g := mustGraph(t, "transform", []graph.TaskDef{
		{ID: "a", AgentID: "echo"},
		{ID: "b", AgentID: "sink"},
	}, []graph.EdgeDef{
		{From: "a", To: "b", Transform: func(out any) any {
			return strings.ToUpper(out.(string))
		}},
	})

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(echoAgent("echo", nil), sink), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, map[string]any{"a": "OUT:A"}, seen)
	// transforms shape what the consumer sees, not what is recorded
	require.Equal(t, "out:a", snap.Tasks["a"].Result)
}

func TestEngineConcurrencyBound(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	gauge := &fakeAgent{id: "gauge", fn: func(_ context.Context, _ Invocation) (Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return Result{Output: nil}, nil
	}}

	tasks := []graph.TaskDef{
		{ID: "t1", AgentID: "gauge"},
		{ID: "t2", AgentID: "gauge"},
		{ID: "t3", AgentID: "gauge"},
		{ID: "t4", AgentID: "gauge"},
		{ID: "t5", AgentID: "gauge"},
	}
	g := mustGraph(t, "bounded", tasks, nil)

	e := New(store.NewMemoryStore(), WithConcurrency(2))
	snap := runGraph(t, e, g, resolverFor(gauge), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngineSerialOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	g := mustGraph(t, "serial", []graph.TaskDef{
		{ID: "c", AgentID: "echo"},
		{ID: "a", AgentID: "echo"},
		{ID: "b", AgentID: "echo", DependsOn: []string{"c"}},
	}, nil)

	e := New(store.NewMemoryStore(), WithConcurrency(1))
	snap := runGraph(t, e, g, resolverFor(echoAgent("echo", log)), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	// independent tasks dispatch in declaration order
	require.Equal(t, []string{"c", "a", "b"}, log.list())
}

func TestEngineTimeout(t *testing.T) {
	t.Parallel()

	hang := &fakeAgent{id: "hang", fn: func(ctx context.Context, _ Invocation) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}

	g := mustGraph(t, "timeout", []graph.TaskDef{
		{ID: "a", AgentID: "hang", Timeout: 20 * time.Millisecond},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(hang), nil)

	require.Equal(t, store.ExecutionFailed, snap.Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["a"].Status)
	require.Contains(t, snap.Tasks["a"].LastError, "timed out")
}

func TestEngineRetryOnTimeout(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int32
	slowThenFast := &fakeAgent{id: "agent", fn: func(ctx context.Context, _ Invocation) (Result, error) {
		if invocations.Add(1) == 1 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Result{Output: "fast"}, nil
	}}

	g := mustGraph(t, "timeout-retry", []graph.TaskDef{
		{ID: "a", AgentID: "agent", Timeout: 20 * time.Millisecond, RetryOnTimeout: true, Retry: fastRetry(3)},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(slowThenFast), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, 2, snap.Tasks["a"].Attempts)
}

func TestEngineCancellation(t *testing.T) {
	t.Parallel()

	hang := &fakeAgent{id: "hang", fn: func(ctx context.Context, _ Invocation) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}

	g := mustGraph(t, "cancel", []graph.TaskDef{
		{ID: "a", AgentID: "hang"},
	}, nil)

	e := New(store.NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	execID, err := e.Prepare(context.Background(), g, nil)
	require.NoError(t, err)
	snap, err := e.Run(ctx, g, resolverFor(hang), execID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionAborted, snap.Status)
}

func TestEngineBlockedByPriorFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := mustGraph(t, "blocked", []graph.TaskDef{
		{ID: "a", AgentID: "echo"},
		{ID: "b", AgentID: "echo", DependsOn: []string{"a"}},
	}, nil)

	st := store.NewMemoryStore()
	e := New(st)
	execID, err := e.Prepare(ctx, g, nil)
	require.NoError(t, err)

	// a failed in some earlier run of this execution
	require.NoError(t, st.UpdateTask(ctx, execID, "a", store.TaskUpdate{Status: store.TaskFailed, Err: "boom", Attempts: 3}))

	snap, err := e.Run(ctx, g, resolverFor(echoAgent("echo", nil)), execID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionFailed, snap.Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["b"].Status)
	require.Contains(t, snap.Tasks["b"].LastError, "blocked by dependency failure")
}

func TestEngineToleratedFailureForgiven(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := mustGraph(t, "tolerated", []graph.TaskDef{
		{ID: "a", AgentID: "echo"},
		{ID: "b", AgentID: "echo"},
	}, []graph.EdgeDef{
		{From: "a", To: "b", Tolerate: true},
	})

	st := store.NewMemoryStore()
	e := New(st)
	execID, err := e.Prepare(ctx, g, nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateTask(ctx, execID, "a", store.TaskUpdate{Status: store.TaskFailed, Err: "boom"}))

	snap, err := e.Run(ctx, g, resolverFor(echoAgent("echo", nil)), execID)
	require.NoError(t, err)

	// b runs despite a's failure, and the tolerated failure does not fail
	// the execution
	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, store.TaskCompleted, snap.Tasks["b"].Status)
}

func TestEngineContextUpdatesFlow(t *testing.T) {
	t.Parallel()

	writer := &fakeAgent{id: "writer", fn: func(_ context.Context, _ Invocation) (Result, error) {
		return Result{Output: "ok", ContextUpdates: map[string]any{"lang": "en"}}, nil
	}}
	var sawLang any
	reader := &fakeAgent{id: "reader", fn: func(_ context.Context, inv Invocation) (Result, error) {
		sawLang = inv.Context["lang"]
		inv.Context["lang"] = "tampered"
		return Result{Output: "ok"}, nil
	}}

	g := mustGraph(t, "context", []graph.TaskDef{
		{ID: "a", AgentID: "writer"},
		{ID: "b", AgentID: "reader", DependsOn: []string{"a"}},
	}, nil)

	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(writer, reader), nil)

	require.Equal(t, store.ExecutionCompleted, snap.Status)
	require.Equal(t, "en", sawLang)
	// the reader mutated its snapshot, not the shared context
	require.Equal(t, "en", snap.Context["lang"])
}

func TestEngineRunTerminalExecution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	g := mustGraph(t, "terminal", []graph.TaskDef{{ID: "a", AgentID: "echo"}}, nil)
	e := New(store.NewMemoryStore())
	resolve := resolverFor(echoAgent("echo", nil))

	execID, err := e.Prepare(ctx, g, nil)
	require.NoError(t, err)
	_, err = e.Run(ctx, g, resolve, execID)
	require.NoError(t, err)

	_, err = e.Run(ctx, g, resolve, execID)
	require.ErrorIs(t, err, ErrExecutionTerminal)
}

func TestEngineUnknownAgentFailsExecution(t *testing.T) {
	t.Parallel()

	g := mustGraph(t, "unknown", []graph.TaskDef{{ID: "a", AgentID: "ghost"}}, nil)
	e := New(store.NewMemoryStore())
	snap := runGraph(t, e, g, resolverFor(), nil)

	require.Equal(t, store.ExecutionFailed, snap.Status)
	require.Equal(t, store.TaskFailed, snap.Tasks["a"].Status)
	require.Contains(t, snap.Tasks["a"].LastError, "agent not registered")
}
