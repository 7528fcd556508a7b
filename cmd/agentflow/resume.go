package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avi3tal/agentflow/pkg/workflow"
)

var resumeWorkflowFile string

var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint-id>",
	Short: "Resume an execution from a checkpoint",
	Long: `Restore a checkpoint into a fresh execution and run it. Tasks that had
already completed are not re-invoked; only unfinished work is replayed.

The workflow definition file must be supplied again so the graph (agents,
edges, conditions) can be rebuilt.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVarP(&resumeWorkflowFile, "workflow", "f", "", "workflow definition file (required)")
	_ = resumeCmd.MarkFlagRequired("workflow")
}

func runResume(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(resumeWorkflowFile)
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}

	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	if _, err := o.DefineFromYAML(data); err != nil {
		return err
	}

	execID, err := o.Resume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("execution resumed: %s\n", execID)

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
