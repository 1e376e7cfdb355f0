// Package bot wires the tgagent core together: it loads configuration,
// connects the channels, aggregates inbound bursts, resolves reply context,
// routes combined submissions to handlers and runs blocking provider work in
// isolated workers.
package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/aggregator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels/telegram"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/journal"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/replyctx"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

// Config is the top-level configuration.
type Config struct {
	// Name is the bot name used in greetings and logs.
	Name string `yaml:"name"`

	Logging      LoggingConfig     `yaml:"logging"`
	Telegram     telegram.Config   `yaml:"telegram"`
	Aggregator   aggregator.Config `yaml:"aggregator"`
	ReplyContext replyctx.Config   `yaml:"reply_context"`
	Isolator     isolator.Config   `yaml:"isolator"`
	Supervisor   supervisor.Config `yaml:"supervisor"`
	LLM          providers.Config  `yaml:"llm"`
	Retry        RetryConfig       `yaml:"retry"`
	Journal      journal.Config    `yaml:"journal"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is "json" or "text". Empty picks text on a terminal, json
	// otherwise.
	Format string `yaml:"format"`

	// File redirects logs to a rotated file instead of stdout.
	File string `yaml:"file"`

	// MaxSizeMB is the size that triggers rotation (default: 50).
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept (default: 5).
	MaxBackups int `yaml:"max_backups"`

	// MaxAgeDays removes rotated files older than this (default: 30).
	MaxAgeDays int `yaml:"max_age_days"`
}

// RetryConfig is the retry policy for isolated executions. Only timeouts and
// crashed workers are retried; malformed output and operation errors never
// are.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (default: 2).
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the pause between attempts (default: 500ms).
	Backoff time.Duration `yaml:"backoff"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns the configuration used when a key is absent from
// the YAML file.
func DefaultConfig() *Config {
	return &Config{
		Name: "tgagent",
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Telegram:     telegram.DefaultConfig(),
		Aggregator:   aggregator.DefaultConfig(),
		ReplyContext: replyctx.DefaultConfig(),
		Isolator:     isolator.DefaultConfig(),
		Supervisor:   supervisor.DefaultConfig(),
		LLM:          providers.DefaultConfig(),
		Retry: RetryConfig{
			MaxAttempts: 2,
			Backoff:     500 * time.Millisecond,
		},
		Journal: journal.DefaultConfig(),
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Validate checks the configuration for values the bot cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" || IsEnvReference(c.Telegram.Token) {
		errs = append(errs, errors.New("telegram.token is required (set TELEGRAM_BOT_TOKEN)"))
	}
	if c.Aggregator.QuietPeriod < 0 {
		errs = append(errs, errors.New("aggregator.quiet_period must not be negative"))
	}
	if c.Aggregator.MaxEvents < 0 {
		errs = append(errs, errors.New("aggregator.max_events must not be negative"))
	}
	if c.ReplyContext.Capacity < 0 {
		errs = append(errs, errors.New("reply_context.capacity must not be negative"))
	}
	if err := c.Isolator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("isolator: %w", err))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or text", c.Logging.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Telegram.Token = maskSecret(c.Telegram.Token)
	cp.LLM.APIKey = maskSecret(c.LLM.APIKey)
	return &cp
}

func maskSecret(s string) string {
	switch {
	case s == "", IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****" + s[len(s)-2:]
	}
}
