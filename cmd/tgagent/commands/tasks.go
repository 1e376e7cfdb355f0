package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/journal"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

// newTasksCmd creates the `tgagent tasks` command, which prints the task
// journal.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Show recent background tasks from the journal",
		Long: `Print the most recent supervised tasks recorded in the task journal,
newest first, followed by a per-status summary of the last 24 hours.

Examples:
  tgagent tasks
  tgagent tasks --limit 100
  tgagent tasks --prune 168h`,
		Args: cobra.NoArgs,
		RunE: runTasks,
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	cmd.Flags().Duration("prune", 0, "delete finished runs older than this before listing")
	return cmd
}

func runTasks(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return errNoJournal
	}

	j, err := journal.Open(cfg.Journal, nil)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if prune, _ := cmd.Flags().GetDuration("prune"); prune > 0 {
		n, err := j.Prune(ctx, prune)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d runs.\n", n)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No tasks recorded.")
		return nil
	}
	for _, r := range runs {
		fmt.Println(r.Describe())
	}

	counts, err := j.Counts(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	fmt.Printf("\nLast 24h: %d ok, %d error, %d panic, %d cancelled, %d abandoned, %d running\n",
		counts[supervisor.StatusOK], counts[supervisor.StatusError], counts[supervisor.StatusPanic],
		counts[supervisor.StatusCancelled], counts[supervisor.StatusAbandoned], counts[supervisor.StatusRunning])
	return nil
}
