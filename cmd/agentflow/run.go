package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avi3tal/agentflow/pkg/agents"
	"github.com/avi3tal/agentflow/pkg/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Execute a workflow definition",
	Long: `Load a YAML workflow definition, execute it against the built-in agents
and block until the execution settles.

Built-in agents:
  shell  runs the task input as a shell command; stdout becomes the result
  echo   returns the task input unchanged (useful for wiring and testing)`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

// newOrchestrator builds an orchestrator against the configured SQLite store
// with the built-in agents registered
func newOrchestrator() (*workflow.Orchestrator, error) {
	st, err := workflow.OpenSQLiteStore(viper.GetString("store"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}

	o := workflow.New(func(opts *workflow.Options) {
		opts.Store = st
		opts.Concurrency = viper.GetInt("concurrency")
		opts.Logger = workflow.NewSlogLogger(os.Stderr, level)
	})

	builtins := []workflow.Agent{
		agents.NewShell("shell"),
		agents.NewFunc("echo", func(_ context.Context, inv agents.Invocation) (agents.Result, error) {
			return agents.Result{Output: inv.Input}, nil
		}),
	}
	for _, a := range builtins {
		if err := o.RegisterAgent(a); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}

	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	g, err := o.DefineFromYAML(data)
	if err != nil {
		return err
	}

	execID, err := o.Execute(cmd.Context(), g.Name(), nil)
	if err != nil {
		return err
	}
	fmt.Printf("execution started: %s\n", execID)

	snap, err := o.Wait(cmd.Context(), execID)
	if err != nil {
		return err
	}

	printSnapshot(snap)
	if snap.Status == workflow.StatusFailed {
		return fmt.Errorf("execution failed: %s", snap.Error)
	}
	return nil
}
