package oauth

import (
	"errors"
	"time"
)

// ErrAuthorizationRequired signals that an upstream connect cannot proceed
// until an operator completes the authorization-code flow out of band. The
// registry translates it into the oauth_required upstream status.
var ErrAuthorizationRequired = errors.New("authorization required")

// WWWAuthenticateParams holds the parsed parameters of a WWW-Authenticate
// header.
type WWWAuthenticateParams struct {
	Scheme              string
	Realm               string
	Scope               string
	Error               string
	ErrorDescription    string
	Resource            string
	ResourceMetadataURL string
}

// ProtectedResourceMetadata is the RFC 9728 document served by a protected
// resource.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
	BearerMethods        []string `json:"bearer_methods_supported,omitempty"`
}

// ServerMetadata is the RFC 8414 authorization-server metadata subset the
// provider needs.
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// ClientInformation is the registered (or configured) OAuth client identity.
type ClientInformation struct {
	ClientID              string    `json:"client_id"`
	ClientSecret          string    `json:"client_secret,omitempty"`
	ClientSecretExpiresAt time.Time `json:"-"`
}

// Tokens is the cached token bundle for one upstream.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Valid reports whether the access token exists and has not expired.
func (t *Tokens) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || time.Now().Before(t.Expiry)
}

// InvalidationScope selects which credential subset to clear.
type InvalidationScope string

const (
	InvalidateAll      InvalidationScope = "all"
	InvalidateClient   InvalidationScope = "client"
	InvalidateTokens   InvalidationScope = "tokens"
	InvalidateVerifier InvalidationScope = "verifier"
)

// ClientMetadata is the RFC 7591 registration request document.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the RFC 7591 registration result.
type registrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
}

// StateSink lets the provider publish authorization-required transitions
// without owning the upstream runtime record. The registry is the only
// implementation; the indirection breaks the provider-registry cycle.
type StateSink interface {
	// SetAuthorizationRequired records the pending authorization hint on the
	// upstream and flips its status to oauth_required.
	SetAuthorizationRequired(server string, pending PendingAuthorization)
	// ClearAuthorizationRequired removes the hint (after saveTokens).
	ClearAuthorizationRequired(server string)
}

// PendingAuthorization mirrors the persisted pending flow for the sink.
type PendingAuthorization struct {
	AuthorizationURL string
	State            string
	CodeVerifier     string
}
