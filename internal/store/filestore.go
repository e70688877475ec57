package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"mcphub/internal/config"
)

// FileRepository is the file-backed legacy store: the settings document plus
// a sibling oauth-state document, both YAML, written via atomic rename.
type FileRepository struct {
	configPath string
	statePath  string

	mu sync.Mutex
}

// NewFileRepository stores OAuth state next to the settings document.
func NewFileRepository(configPath string) *FileRepository {
	dir := filepath.Dir(configPath)
	return &FileRepository{
		configPath: configPath,
		statePath:  filepath.Join(dir, "oauth-state.yaml"),
	}
}

// LoadSettings reads and parses the settings document.
func (r *FileRepository) LoadSettings() (*config.Settings, error) {
	return config.Load(r.configPath)
}

// SaveSettings writes the settings document atomically.
func (r *FileRepository) SaveSettings(s *config.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return writeAtomic(r.configPath, data)
}

// OAuthState returns the stored state for an upstream.
func (r *FileRepository) OAuthState(server string) (*OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states, err := r.readStates()
	if err != nil {
		return nil, err
	}
	if st, ok := states[server]; ok {
		return st, nil
	}
	return &OAuthState{}, nil
}

// UpdateOAuthState applies fn under the repository lock and persists.
func (r *FileRepository) UpdateOAuthState(server string, fn func(*OAuthState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	states, err := r.readStates()
	if err != nil {
		return err
	}
	st, ok := states[server]
	if !ok {
		st = &OAuthState{}
	}
	if err := fn(st); err != nil {
		return err
	}
	states[server] = st

	data, err := yaml.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state: %w", err)
	}
	return writeAtomic(r.statePath, data)
}

// Close is a no-op for the file repository.
func (r *FileRepository) Close() error {
	return nil
}

func (r *FileRepository) readStates() (map[string]*OAuthState, error) {
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*OAuthState), nil
		}
		return nil, fmt.Errorf("failed to read oauth state: %w", err)
	}

	states := make(map[string]*OAuthState)
	if err := yaml.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("failed to parse oauth state: %w", err)
	}
	return states, nil
}

// writeAtomic writes via temp file + rename so readers never see a torn
// document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".mcphub-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}
