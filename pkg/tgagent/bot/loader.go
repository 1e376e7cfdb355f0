package bot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          simple variable
//   - ${VAR_NAME:-default} default value if not set
//   - ${VAR_NAME:?error}   error if not set
//
// Groups: 1 = name, 2 = modifier ("-" or "?"), 3 = default or message.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadConfigFromFile reads and parses a YAML configuration file. It loads
// .env files first and expands environment variables before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"tgagent.yaml",
		"tgagent.yml",
		"configs/config.yaml",
		"configs/tgagent.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "tgagent", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// loadEnvFiles loads .env files from the working directory. Existing
// variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default} and ${VAR:?error}
// references. Unset variables without a modifier keep their placeholder so
// secret resolution can fill them later; unset ${VAR:?error} is an error.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills secrets that are empty or still placeholders from
// well-known environment variables.
func resolveSecrets(cfg *Config) {
	if cfg.Telegram.Token == "" || IsEnvReference(cfg.Telegram.Token) {
		if v := os.Getenv(EnvTelegramToken); v != "" {
			cfg.Telegram.Token = v
		}
	}
	if cfg.LLM.APIKey == "" || IsEnvReference(cfg.LLM.APIKey) {
		for _, name := range []string{EnvLLMAPIKey, "OPENAI_API_KEY"} {
			if v := os.Getenv(name); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
}

// resolveRelativePaths makes file paths relative to the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	if cfg.Journal.Path != "" && cfg.Journal.Path != ":memory:" {
		cfg.Journal.Path = resolvePathFromConfig(cfg.Journal.Path, dir)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = resolvePathFromConfig(cfg.Logging.File, dir)
	}
	if cfg.Isolator.WorkDir != "" {
		cfg.Isolator.WorkDir = resolvePathFromConfig(cfg.Isolator.WorkDir, dir)
	}
}

// resolvePathFromConfig expands ~ and resolves relative paths against
// configDir.
func resolvePathFromConfig(path, configDir string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		slog.Warn("config file is accessible by group/others, consider chmod 600",
			"path", path, "mode", info.Mode().Perm().String())
	}
}
