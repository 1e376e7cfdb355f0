package isolator

import (
	"os"
	"sort"
	"strings"
)

// defaultBlockedEnv returns variables that are always stripped from the
// worker environment: loader and interpreter injection vectors plus the
// secrets tgagent itself reads from the environment.
func defaultBlockedEnv() []string {
	return []string{
		"LD_PRELOAD",
		"LD_LIBRARY_PATH",
		"DYLD_INSERT_LIBRARIES",
		"DYLD_LIBRARY_PATH",
		"GODEBUG",
		"BASH_ENV",
		"ENV",
		"TELEGRAM_BOT_TOKEN",
		"OPENAI_API_KEY",
		"TGAGENT_LLM_API_KEY",
	}
}

// blockedEnvPrefixes catches families of dangerous variables.
var blockedEnvPrefixes = []string{
	"LD_",
	"DYLD_",
}

// envFilter strips blocked variables from the worker environment.
type envFilter struct {
	blocked map[string]bool
}

func newEnvFilter(blocked []string) *envFilter {
	f := &envFilter{blocked: make(map[string]bool, len(blocked))}
	for _, name := range blocked {
		f.blocked[name] = true
	}
	return f
}

func (f *envFilter) allowed(name string) bool {
	if f.blocked[name] {
		return false
	}
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

// build returns the filtered parent environment followed by the filtered
// extra variables. Extra variables cannot override PATH.
func (f *envFilter) build(extra map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if f.allowed(name) {
			env = append(env, kv)
		}
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "PATH" || !f.allowed(k) {
			continue
		}
		env = append(env, k+"="+extra[k])
	}
	return env
}
