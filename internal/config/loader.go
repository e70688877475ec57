package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir is the per-directory settings location, resolved against
// the working directory first and the user config directory second.
const DefaultConfigDir = ".mcphub"

// DefaultConfigFile is the settings document name inside the config dir.
const DefaultConfigFile = "config.yaml"

// ResolvePath locates the settings document. An explicit path wins; otherwise
// the working directory's .mcphub/config.yaml, then the user config dir.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", fmt.Errorf("config path %s: %w", explicit, err)
		}
		if info.IsDir() {
			return filepath.Join(explicit, DefaultConfigFile), nil
		}
		return explicit, nil
	}

	local := filepath.Join(DefaultConfigDir, DefaultConfigFile)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	userDir, err := os.UserConfigDir()
	if err != nil {
		return local, nil
	}
	return filepath.Join(userDir, "mcphub", DefaultConfigFile), nil
}

// Load reads, expands, defaults, and validates the settings document at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds Settings from raw YAML bytes. Env-var expansion runs over the
// string-valued upstream fields (see ExpandUpstream) before validation.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for name, sc := range s.MCPServers {
		s.MCPServers[name] = ExpandUpstream(sc)
	}

	ApplyDefaults(&s)

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UnmarshalYAML lets a group membership entry be either a bare upstream name
// or a {name, tools} object.
func (m *GroupMember) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		m.Name = value.Value
		m.Tools = nil
		return nil
	}

	var obj struct {
		Name  string      `yaml:"name"`
		Tools interface{} `yaml:"tools"`
	}
	if err := value.Decode(&obj); err != nil {
		return err
	}
	m.Name = obj.Name

	switch tools := obj.Tools.(type) {
	case nil:
		m.Tools = nil
	case string:
		if tools != "all" {
			return fmt.Errorf("group member %s: tools must be \"all\" or a list", obj.Name)
		}
		m.Tools = nil
	case []interface{}:
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			str, ok := t.(string)
			if !ok {
				return fmt.Errorf("group member %s: tool names must be strings", obj.Name)
			}
			names = append(names, str)
		}
		m.Tools = names
	default:
		return fmt.Errorf("group member %s: unsupported tools value", obj.Name)
	}
	return nil
}
