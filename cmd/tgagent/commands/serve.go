package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/bot"
)

// newServeCmd creates the `tgagent serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until interrupted",
		Long: `Connect to Telegram and answer messages until SIGINT or SIGTERM.

On shutdown, intake stops first, pending message windows are flushed and
answered, and running tasks get the configured grace period to finish.

Examples:
  tgagent serve
  tgagent serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger, closer := bot.NewLogger(cfg.Logging, verbose)
	defer closer.Close()
	slog.SetDefault(logger)

	bot.ResolveSecrets(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	b, err := bot.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = b.Run(ctx)
	if err != nil {
		logger.Error("bot stopped with errors", "error", err)
	}
	return err
}

// resolveConfig loads the config from --config or the standard locations.
// Without a file it falls back to defaults plus environment secrets.
func resolveConfig(cmd *cobra.Command) (*bot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := bot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := bot.FindConfigFile(); found != "" {
		cfg, err := bot.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	fmt.Fprintln(os.Stderr, "No config file found, using defaults. Run 'tgagent config init' to create one.")
	return bot.DefaultConfig(), nil
}

// errNoJournal is returned by commands that need the task journal.
var errNoJournal = errors.New("journal.path is empty, task journal disabled")
