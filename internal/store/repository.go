// Package store persists the hub settings document and per-upstream OAuth
// state behind a repository interface. The MCP core treats both as opaque:
// everything else goes through Repository so the file-backed legacy and the
// relational store stay interchangeable.
package store

import (
	"fmt"
	"os"
	"time"

	"mcphub/internal/config"
)

// PendingAuthorization is a parked authorization-code flow awaiting its code.
type PendingAuthorization struct {
	AuthorizationURL string    `yaml:"authorizationUrl" json:"authorizationUrl"`
	State            string    `yaml:"state" json:"state"`
	CodeVerifier     string    `yaml:"codeVerifier" json:"codeVerifier"`
	CreatedAt        time.Time `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
}

// DynamicRegistration records the RFC 7591 registration result for reuse.
type DynamicRegistration struct {
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	ExpiresAt time.Time `yaml:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	// Metadata is the client metadata document sent at registration time.
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// OAuthState is the persisted OAuth record of one upstream.
type OAuthState struct {
	ClientID     string   `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	AuthorizationEndpoint string `yaml:"authorizationEndpoint,omitempty" json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `yaml:"tokenEndpoint,omitempty" json:"tokenEndpoint,omitempty"`

	AccessToken  string    `yaml:"accessToken,omitempty" json:"accessToken,omitempty"`
	RefreshToken string    `yaml:"refreshToken,omitempty" json:"refreshToken,omitempty"`
	TokenExpiry  time.Time `yaml:"tokenExpiry,omitempty" json:"tokenExpiry,omitempty"`

	PendingAuthorization *PendingAuthorization `yaml:"pendingAuthorization,omitempty" json:"pendingAuthorization,omitempty"`
	DynamicRegistration  *DynamicRegistration  `yaml:"dynamicRegistration,omitempty" json:"dynamicRegistration,omitempty"`
}

// Repository is the persistence boundary of the hub core.
//
// OAuth mutations take an update function executed under a per-upstream
// critical section so the transport refresh path and the authorization
// completion path observe a consistent last-writer-wins snapshot.
type Repository interface {
	// LoadSettings reads the settings document.
	LoadSettings() (*config.Settings, error)
	// SaveSettings writes the settings document atomically.
	SaveSettings(s *config.Settings) error

	// OAuthState returns the stored state for an upstream; a missing record
	// yields a zero state, not an error.
	OAuthState(server string) (*OAuthState, error)
	// UpdateOAuthState applies fn to the stored state under the upstream's
	// critical section and persists the result.
	UpdateOAuthState(server string, fn func(*OAuthState) error) error

	// Close releases any underlying handles.
	Close() error
}

// DriverFile selects the YAML-document repository, DriverSQLite the
// relational one.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// NewRepository builds the repository selected by MCPHUB_STORE_DRIVER.
// The file driver is the default.
func NewRepository(configPath string) (Repository, error) {
	driver := os.Getenv(config.EnvStoreDriver)
	switch driver {
	case "", DriverFile:
		return NewFileRepository(configPath), nil
	case DriverSQLite:
		return NewSQLRepository(defaultSQLitePath(), configPath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
