package commands

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
)

// newWorkerCmd creates the hidden `tgagent worker` command. The isolator
// re-executes the binary with it to run one operation per process.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one isolated operation read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			// stdout carries the result envelope; logs go to stderr.
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			reg := isolator.NewRegistry()
			providers.Register(reg)
			return isolator.Serve(ctx, os.Stdin, os.Stdout, reg)
		},
	}
}
