package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/avi3tal/agentflow/pkg/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the state of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <execution-id>",
	Short: "List checkpoints recorded for an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoints,
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	snap, err := o.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	st := o.StateStore()
	ids, err := st.Checkpoints(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func printSnapshot(snap *workflow.ExecutionSnapshot) {
	fmt.Printf("execution %s (%s): %s\n", snap.ID, snap.GraphName, snap.Status)
	if snap.Error != "" {
		fmt.Printf("  error: %s\n", snap.Error)
	}
	if snap.CheckpointID != "" {
		fmt.Printf("  checkpoint: %s\n", snap.CheckpointID)
	}

	taskIDs := make([]string, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	for _, id := range taskIDs {
		rec := snap.Tasks[id]
		line := fmt.Sprintf("  %-20s %-10s attempts=%d", id, rec.Status, rec.Attempts)
		if rec.LastError != "" {
			line += " error=" + rec.LastError
		}
		fmt.Println(line)
	}
}
