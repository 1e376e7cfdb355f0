package bot

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "tgagent"

	// KeyringTelegramToken and KeyringLLMAPIKey are the keyring entries.
	KeyringTelegramToken = "telegram_token"
	KeyringLLMAPIKey     = "llm_api_key"
)

// Environment variables consulted for secrets.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvLLMAPIKey     = "TGAGENT_LLM_API_KEY"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets settles the Telegram token and the LLM API key using the
// chain environment → OS keyring → config file. It updates cfg in place.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Telegram.Token = resolveSecret("telegram token", cfg.Telegram.Token,
		[]string{EnvTelegramToken}, KeyringTelegramToken, logger)
	cfg.LLM.APIKey = resolveSecret("llm api key", cfg.LLM.APIKey,
		[]string{EnvLLMAPIKey, "OPENAI_API_KEY"}, KeyringLLMAPIKey, logger)
}

func resolveSecret(what, current string, envNames []string, keyringKey string, logger *slog.Logger) string {
	for _, name := range envNames {
		if v := os.Getenv(name); v != "" {
			logger.Debug("secret loaded from environment", "secret", what, "var", name)
			return v
		}
	}
	if v := GetKeyring(keyringKey); v != "" {
		logger.Debug("secret loaded from OS keyring", "secret", what)
		return v
	}
	if current != "" && !IsEnvReference(current) {
		logger.Debug("secret loaded from config file", "secret", what)
		return current
	}
	logger.Warn("secret not configured", "secret", what,
		"hint", "set "+envNames[0]+" or run: tgagent config set-secret "+keyringKey)
	return ""
}
