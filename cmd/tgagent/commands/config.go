package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/bot"
)

// secretKeys are the keyring entries managed by `config set-secret`.
var secretKeys = []string{bot.KeyringTelegramToken, bot.KeyringLLMAPIKey}

// newConfigCmd creates the `tgagent config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the bot configuration",
		Long: `Inspect and validate the configuration and manage secrets in the OS keyring.

Examples:
  tgagent config init
  tgagent config show
  tgagent config validate
  tgagent config set-secret telegram_token`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetSecretCmd(),
		newConfigDeleteSecretCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := bot.DefaultConfig()
			cfg.Telegram.Token = "${" + bot.EnvTelegramToken + "}"
			cfg.LLM.APIKey = "${" + bot.EnvLLMAPIKey + "}"
			data, err := marshalConfig(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "file to write")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			bot.ResolveSecrets(cfg, nil)
			data, err := marshalConfig(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			bot.ResolveSecrets(cfg, nil)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	}
}

func newConfigSetSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-secret <key>",
		Short:     "Store a secret in the OS keyring",
		Long:      "Store a secret in the OS keyring. Keys: " + strings.Join(secretKeys, ", ") + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: secretKeys,
		RunE: func(_ *cobra.Command, args []string) error {
			key := args[0]
			if !validSecretKey(key) {
				return fmt.Errorf("unknown secret %q (valid: %s)", key, strings.Join(secretKeys, ", "))
			}
			value, err := readSecret(fmt.Sprintf("Value for %s: ", key))
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty value, nothing stored")
			}
			if err := bot.StoreKeyring(key, value); err != nil {
				return fmt.Errorf("storing %s in keyring: %w", key, err)
			}
			fmt.Printf("Stored %s in the OS keyring.\n", key)
			return nil
		},
	}
}

func newConfigDeleteSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete-secret <key>",
		Short:     "Remove a secret from the OS keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: secretKeys,
		RunE: func(_ *cobra.Command, args []string) error {
			key := args[0]
			if !validSecretKey(key) {
				return fmt.Errorf("unknown secret %q (valid: %s)", key, strings.Join(secretKeys, ", "))
			}
			if err := bot.DeleteKeyring(key); err != nil {
				return fmt.Errorf("removing %s from keyring: %w", key, err)
			}
			fmt.Printf("Removed %s from the OS keyring.\n", key)
			return nil
		},
	}
}

func validSecretKey(key string) bool {
	for _, k := range secretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// readSecret reads a value without echo on a terminal, or one line from a
// pipe.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
