// Package commands implements the tgagent CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tgagent",
		Short: "tgagent - personal Telegram assistant",
		Long: `tgagent is a personal assistant that answers on Telegram.

Messages sent in quick succession are combined into one request, replies
keep the context of the message they answer, and every provider call runs
in an isolated worker process with a hard deadline.

Examples:
  tgagent serve
  tgagent serve --config ./config.yaml
  tgagent config set-secret telegram_token
  tgagent tasks --limit 50`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newConfigCmd(),
		newTasksCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
