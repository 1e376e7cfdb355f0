package bot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
)

func TestParseConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte("name: helper\n"))
	require.NoError(t, err)

	assert.Equal(t, "helper", cfg.Name)
	assert.Equal(t, 2500*time.Millisecond, cfg.Aggregator.QuietPeriod)
	assert.Equal(t, "/", cfg.Aggregator.CommandPrefix)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestParseConfig_Overrides(t *testing.T) {
	t.Parallel()
	data := []byte(`
telegram:
  token: "123:abc"
  allowed_chats: [42, -100]
aggregator:
  quiet_period: 4s
  max_events: 10
reply_context:
  ttl: 2h
isolator:
  deadline: 90s
llm:
  model: gpt-4o
retry:
  max_attempts: 3
  backoff: 1s
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{42, -100}, cfg.Telegram.AllowedChats)
	assert.Equal(t, 4*time.Second, cfg.Aggregator.QuietPeriod)
	assert.Equal(t, 10, cfg.Aggregator.MaxEvents)
	assert.Equal(t, 2*time.Hour, cfg.ReplyContext.TTL)
	assert.Equal(t, 90*time.Second, cfg.Isolator.Deadline)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/", cfg.Aggregator.CommandPrefix)
}

func TestParseConfig_InvalidYAML(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig([]byte("aggregator: [not, a, map]"))
	require.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TGAGENT_TEST_SET", "value")

	out, err := expandEnvVars("a: ${TGAGENT_TEST_SET}\nb: ${TGAGENT_TEST_UNSET:-fallback}\nc: ${TGAGENT_TEST_UNSET}")
	require.NoError(t, err)
	assert.Equal(t, "a: value\nb: fallback\nc: ${TGAGENT_TEST_UNSET}", out)

	_, err = expandEnvVars("token: ${TGAGENT_TEST_UNSET:?bot token missing}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TGAGENT_TEST_UNSET: bot token missing")
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("TGAGENT_TEST_TOKEN", "999:xyz")
	t.Setenv(EnvLLMAPIKey, "")
	t.Setenv("OPENAI_API_KEY", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegram:
  token: ${TGAGENT_TEST_TOKEN}
journal:
  path: data/journal.db
logging:
  file: logs/bot.log
`), 0o600))

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "999:xyz", cfg.Telegram.Token)
	assert.Equal(t, filepath.Join(dir, "data/journal.db"), cfg.Journal.Path)
	assert.Equal(t, filepath.Join(dir, "logs/bot.log"), cfg.Logging.File)

	_, err = LoadConfigFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	require.NoError(t, testConfig().Validate())

	cfg := DefaultConfig()
	cfg.Aggregator.QuietPeriod = -time.Second
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"telegram.token is required",
		"aggregator.quiet_period",
		"logging.level",
		"logging.format",
		"metrics.address",
	} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = testConfig()
	cfg.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
	assert.Error(t, cfg.Validate(), "unexpanded placeholders are not tokens")
}

func TestConfig_Redacted(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Telegram.Token = "123456:ABCDEFGHIJ"
	cfg.LLM.APIKey = "short"

	red := cfg.Redacted()
	assert.Equal(t, "1234****IJ", red.Telegram.Token)
	assert.Equal(t, "****", red.LLM.APIKey)
	assert.Equal(t, "123456:ABCDEFGHIJ", cfg.Telegram.Token, "original is untouched")
}

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvLLMAPIKey, "")
	t.Setenv("OPENAI_API_KEY", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Config file value is the last resort.
	cfg := DefaultConfig()
	cfg.Telegram.Token = "from-file"
	ResolveSecrets(cfg, logger)
	assert.Equal(t, "from-file", cfg.Telegram.Token)
	assert.Empty(t, cfg.LLM.APIKey)

	// Keyring beats the config file.
	require.NoError(t, StoreKeyring(KeyringTelegramToken, "from-keyring"))
	require.NoError(t, StoreKeyring(KeyringLLMAPIKey, "sk-keyring"))
	ResolveSecrets(cfg, logger)
	assert.Equal(t, "from-keyring", cfg.Telegram.Token)
	assert.Equal(t, "sk-keyring", cfg.LLM.APIKey)

	// Environment beats the keyring.
	t.Setenv(EnvTelegramToken, "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	ResolveSecrets(cfg, logger)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)

	require.NoError(t, DeleteKeyring(KeyringTelegramToken))
	assert.Empty(t, GetKeyring(KeyringTelegramToken))
}

func TestNewLogger_WritesToFileWhenConfigured(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.log")
	logger, closer := NewLogger(LoggingConfig{Level: "warn", File: path, MaxSizeMB: 1}, false)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"shown"`)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

// ---------- Retry ----------

type scriptedExecutor struct {
	errs  []error
	calls int
}

func (s *scriptedExecutor) Execute(context.Context, *isolator.Request) (*isolator.Result, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return nil, s.errs[s.calls-1]
	}
	return &isolator.Result{Payload: []byte(`{"text":"ok"}`)}, nil
}

func TestRetryingExecutor(t *testing.T) {
	t.Parallel()
	crashed := &isolator.Failure{Kind: isolator.KindCrashed, Op: providers.OpChat}
	timeout := &isolator.Failure{Kind: isolator.KindTimeout, Op: providers.OpChat}
	operation := &isolator.Failure{Kind: isolator.KindOperation, Op: providers.OpChat}

	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{"success first time", 2, nil, 1, nil},
		{"crash then success", 2, []error{crashed}, 2, nil},
		{"timeout then success", 3, []error{timeout}, 2, nil},
		{"attempts exhausted", 2, []error{crashed, timeout}, 2, isolator.ErrTimeout},
		{"operation error is final", 3, []error{operation}, 1, isolator.ErrOperation},
		{"single attempt", 1, []error{crashed}, 1, isolator.ErrCrashed},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := &scriptedExecutor{errs: tt.errs}
			r := newRetryingExecutor(next, RetryConfig{MaxAttempts: tt.attempts}, logger)

			res, err := r.Execute(context.Background(), &isolator.Request{Op: providers.OpChat})
			assert.Equal(t, tt.wantCalls, next.calls)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.True(t, bytes.Contains(res.Payload, []byte("ok")))
		})
	}
}

func TestRetryingExecutor_StopsWhenContextDone(t *testing.T) {
	t.Parallel()
	next := &scriptedExecutor{errs: []error{isolator.ErrCrashed, isolator.ErrCrashed}}
	r := newRetryingExecutor(next, RetryConfig{MaxAttempts: 5, Backoff: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, &isolator.Request{Op: providers.OpChat})
	require.ErrorIs(t, err, isolator.ErrCrashed)
	assert.Equal(t, 1, next.calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}
