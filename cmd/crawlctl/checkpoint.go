package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/erndmrc/crawlengine/internal/checkpoint"
)

// newCheckpointCmd builds the `checkpoint` command group. Its `inspect`
// subcommand is grounded on erndmrc-spider2's checkpoint.Manager.List/
// CheckpointInfo, which let an operator see a checkpoint's summary
// without resuming a crawl.
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect checkpoint files.",
	}
	cmd.AddCommand(newCheckpointInspectCmd())
	return cmd
}

func newCheckpointInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print a checkpoint's summary without resuming a crawl.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ckpt, err := checkpoint.Load(args[0])
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}

			fmt.Printf("checkpoint_version: %s\n", ckpt.CheckpointVersion)
			fmt.Printf("checkpoint_time:    %s\n", ckpt.CheckpointTime.Format("2006-01-02T15:04:05Z07:00"))
			fmt.Printf("pages_visited:      %d\n", ckpt.PagesVisited)
			fmt.Printf("visited_count:      %d\n", len(ckpt.Visited))
			fmt.Printf("pending_count:      %d\n", len(ckpt.Pending))
			fmt.Printf("config_fingerprint: %s\n", ckpt.ConfigFingerprint)
			fmt.Printf("target_workers:     %d\n", ckpt.Controller.TargetWorkers)
			fmt.Printf("current_delay:      %s\n", ckpt.Controller.CurrentDelay)
			return nil
		},
	}
}
