package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/avi3tal/agentflow/pkg/agents"
	"github.com/avi3tal/agentflow/pkg/workflow"
)

// A diamond-shaped workflow: fetch fans out into two analyses that run
// concurrently, and report joins them back together.
func main() {
	o := workflow.New()

	register := func(a workflow.Agent) {
		if err := o.RegisterAgent(a); err != nil {
			log.Fatalf("register %s: %v", a.ID(), err)
		}
	}

	register(agents.NewFunc("fetcher", func(_ context.Context, inv agents.Invocation) (agents.Result, error) {
		return agents.Result{
			Output:         "the quick brown fox jumps over the lazy dog",
			ContextUpdates: map[string]any{"source": inv.Input},
		}, nil
	}))

	register(agents.NewFunc("counter", func(_ context.Context, inv agents.Invocation) (agents.Result, error) {
		text, _ := inv.Dependencies["fetch"].(string)
		return agents.Result{Output: len(strings.Fields(text))}, nil
	}))

	register(agents.NewFunc("shouter", func(_ context.Context, inv agents.Invocation) (agents.Result, error) {
		text, _ := inv.Dependencies["fetch"].(string)
		return agents.Result{Output: strings.ToUpper(text)}, nil
	}))

	register(agents.NewFunc("reporter", func(_ context.Context, inv agents.Invocation) (agents.Result, error) {
		report := fmt.Sprintf("source=%v words=%v text=%v",
			inv.Context["source"], inv.Dependencies["count"], inv.Dependencies["shout"])
		return agents.Result{Output: report}, nil
	}))

	_, err := o.DefineWorkflow("diamond",
		[]workflow.TaskDef{
			{ID: "fetch", AgentID: "fetcher", Input: "demo://corpus"},
			{ID: "count", AgentID: "counter", DependsOn: []string{"fetch"}},
			{ID: "shout", AgentID: "shouter", DependsOn: []string{"fetch"}},
			{ID: "report", AgentID: "reporter", DependsOn: []string{"count", "shout"}},
		},
		nil,
	)
	if err != nil {
		log.Fatalf("define workflow: %v", err)
	}

	ctx := context.Background()
	execID, err := o.Execute(ctx, "diamond", nil)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}

	snap, err := o.Wait(ctx, execID)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}

	fmt.Printf("status: %s\n", snap.Status)
	fmt.Printf("report: %v\n", snap.Tasks["report"].Result)
}
