package upstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mcphub/internal/config"
)

// BuildSubprocessEnv constructs the environment for a spawned upstream
// subprocess: the hub's own environment, PATH additions for per-upstream
// install dirs, npm and python cache/install directories under the data
// root, optional registry/index overrides, and finally the configured env.
// Later entries win.
func BuildSubprocessEnv(name string, configured map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	npmDir := config.ServerDataDir("npm", name)
	pyDir := config.ServerDataDir("python", name)

	pathAdditions := []string{
		filepath.Join(npmDir, "node_modules", ".bin"),
		filepath.Join(config.NpmGlobalDir(), "bin"),
		filepath.Join(pyDir, "bin"),
		filepath.Join(config.UvToolsDir(), "bin"),
	}
	env["PATH"] = strings.Join(pathAdditions, string(os.PathListSeparator)) +
		string(os.PathListSeparator) + env["PATH"]

	env["npm_config_cache"] = config.NpmCacheDir()
	env["npm_config_prefix"] = config.NpmGlobalDir()
	env["UV_CACHE_DIR"] = config.UvCacheDir()
	env["UV_TOOL_DIR"] = config.UvToolsDir()

	if registry := os.Getenv("MCPHUB_NPM_REGISTRY"); registry != "" {
		env["npm_config_registry"] = registry
	}
	if index := os.Getenv("MCPHUB_PYTHON_INDEX_URL"); index != "" {
		env["UV_INDEX_URL"] = index
		env["PIP_INDEX_URL"] = index
	}

	for k, v := range configured {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
