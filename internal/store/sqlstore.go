package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mcphub/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLRepository is the relational store. The settings document is kept as a
// single JSON row; OAuth state is one JSON row per upstream. The schema is
// managed with embedded migrations.
type SQLRepository struct {
	db *sqlx.DB

	// fallbackConfig is read when the database holds no settings row yet,
	// seeding the store from the file-based legacy.
	fallbackConfig string

	mu sync.Mutex
}

func defaultSQLitePath() string {
	return filepath.Join(config.DataRoot(), "mcphub.db")
}

// NewSQLRepository opens (and migrates) the sqlite database at path.
func NewSQLRepository(path, fallbackConfig string) (*SQLRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// modernc sqlite handles one writer; serialize at the pool level.
	db.SetMaxOpenConns(1)

	if err := runMigrations(path); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLRepository{db: db, fallbackConfig: fallbackConfig}, nil
}

func runMigrations(dbPath string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+dbPath)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// LoadSettings reads the settings row, falling back to the legacy file when
// the database has never been written.
func (r *SQLRepository) LoadSettings() (*config.Settings, error) {
	var doc string
	err := r.db.Get(&doc, `SELECT document FROM settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return config.Load(r.fallbackConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return config.Parse([]byte(doc))
}

// SaveSettings upserts the settings document row.
func (r *SQLRepository) SaveSettings(s *config.Settings) error {
	doc, err := marshalSettings(s)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO settings (id, document) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document`,
		doc,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// OAuthState returns the stored state for an upstream.
func (r *SQLRepository) OAuthState(server string) (*OAuthState, error) {
	var raw string
	err := r.db.Get(&raw, `SELECT state FROM oauth_states WHERE server = ?`, server)
	if errors.Is(err, sql.ErrNoRows) {
		return &OAuthState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state for %s: %w", server, err)
	}

	var st OAuthState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to parse oauth state for %s: %w", server, err)
	}
	return &st, nil
}

// UpdateOAuthState applies fn inside a transaction under the store lock.
func (r *SQLRepository) UpdateOAuthState(server string, fn func(*OAuthState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	st := &OAuthState{}
	var raw string
	err = tx.Get(&raw, `SELECT state FROM oauth_states WHERE server = ?`, server)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load oauth state for %s: %w", server, err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), st); err != nil {
			return fmt.Errorf("failed to parse oauth state for %s: %w", server, err)
		}
	}

	if err := fn(st); err != nil {
		return err
	}

	out, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state for %s: %w", server, err)
	}
	_, err = tx.Exec(
		`INSERT INTO oauth_states (server, state) VALUES (?, ?)
		 ON CONFLICT(server) DO UPDATE SET state = excluded.state`,
		server, string(out),
	)
	if err != nil {
		return fmt.Errorf("failed to save oauth state for %s: %w", server, err)
	}
	return tx.Commit()
}

// Close closes the database handle.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func marshalSettings(s *config.Settings) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	return string(data), nil
}
