package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 3000
	DefaultNameSeparator = "-"

	// DefaultInitTimeout bounds the MCP initialize handshake per upstream.
	DefaultInitTimeout = 30 * time.Second
	// DefaultCallTimeout bounds a single upstream request.
	DefaultCallTimeout = 60 * time.Second
	// DefaultKeepAliveInterval is the SSE upstream ping period.
	DefaultKeepAliveInterval = 60 * time.Second

	DefaultHeartbeatInterval = 10 * time.Second
	DefaultOfflineAfter      = 45 * time.Second
)

// Environment variables consumed at process scope.
const (
	EnvDataRoot    = "MCPHUB_DATA_ROOT"
	EnvNpmCache    = "MCPHUB_NPM_CACHE"
	EnvNpmGlobal   = "MCPHUB_NPM_GLOBAL"
	EnvUvCache     = "MCPHUB_UV_CACHE"
	EnvUvTools     = "MCPHUB_UV_TOOLS"
	EnvInitTimeout = "MCPHUB_INIT_TIMEOUT"
	EnvPort        = "MCPHUB_PORT"
	EnvBasePath    = "MCPHUB_BASE_PATH"
	EnvStoreDriver = "MCPHUB_STORE_DRIVER"
)

// DataRoot returns the hub data directory used for subprocess caches and
// install dirs. Defaults to ~/.mcphub.
func DataRoot() string {
	if v := os.Getenv(EnvDataRoot); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcphub"
	}
	return filepath.Join(home, ".mcphub")
}

// ServerDataDir returns the per-upstream install directory for spawned
// subprocesses, split by runtime family.
func ServerDataDir(runtime, name string) string {
	return filepath.Join(DataRoot(), "servers", runtime, name)
}

// NpmCacheDir returns the npm cache directory for spawned subprocesses.
func NpmCacheDir() string {
	if v := os.Getenv(EnvNpmCache); v != "" {
		return v
	}
	return filepath.Join(DataRoot(), "npm-cache")
}

// NpmGlobalDir returns the npm global prefix for spawned subprocesses.
func NpmGlobalDir() string {
	if v := os.Getenv(EnvNpmGlobal); v != "" {
		return v
	}
	return filepath.Join(DataRoot(), "npm-global")
}

// UvCacheDir returns the uv cache directory for python subprocesses.
func UvCacheDir() string {
	if v := os.Getenv(EnvUvCache); v != "" {
		return v
	}
	return filepath.Join(DataRoot(), "uv", "cache")
}

// UvToolsDir returns the uv tool install directory for python subprocesses.
func UvToolsDir() string {
	if v := os.Getenv(EnvUvTools); v != "" {
		return v
	}
	return filepath.Join(DataRoot(), "uv", "tools")
}

// ApplyDefaults fills zero values with defaults and process-env overrides.
func ApplyDefaults(s *Settings) {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if v := os.Getenv(EnvPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.Port = p
		}
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if v := os.Getenv(EnvBasePath); v != "" {
		s.BasePath = v
	}
	s.BasePath = normalizeBasePath(s.BasePath)
	if s.NameSeparator == "" {
		s.NameSeparator = DefaultNameSeparator
	}
	if v := os.Getenv(EnvInitTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.InitTimeout = d
		}
	}
	if s.InitTimeout == 0 {
		s.InitTimeout = DefaultInitTimeout
	}
	if s.Cluster.HeartbeatInterval == 0 {
		s.Cluster.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.Cluster.OfflineAfter == 0 {
		s.Cluster.OfflineAfter = DefaultOfflineAfter
	}
	if s.Cluster.Type == "" {
		s.Cluster.Type = "memory"
	}
	if s.Cluster.Redis.Prefix == "" {
		s.Cluster.Redis.Prefix = "mcphub"
	}
	for name, sc := range s.MCPServers {
		if sc.Name == "" {
			sc.Name = name
		}
		if sc.Kind == "" {
			if sc.Command != "" {
				sc.Kind = KindStdio
			} else {
				sc.Kind = KindStreamableHTTP
			}
		}
		s.MCPServers[name] = sc
	}
}

// normalizeBasePath forces a leading slash and strips the trailing one.
// "" stays "" (mounted at root).
func normalizeBasePath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	if p[0] != '/' {
		p = "/" + p
	}
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
