package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"mcphub/internal/config"
	"mcphub/internal/store"
	"mcphub/pkg/logging"
)

// defaultRedirectURL is used when neither a public base URL nor explicit
// redirect URIs are configured.
const defaultRedirectURL = "http://localhost:3000/oauth/callback"

// Provider drives the OAuth 2.0 authorization-code + PKCE flow for one
// upstream, including RFC 9728/8414 discovery and RFC 7591 dynamic client
// registration. Transports call into it for tokens; the registry calls into
// it when a connect attempt hits an authorization challenge.
//
// All persistence goes through the settings store under the upstream's
// critical section. Status transitions go through the StateSink so the
// registry remains the sole owner of upstream runtime records.
type Provider struct {
	server        string
	cfg           config.OAuthConfig
	publicBaseURL string

	repo store.Repository
	sink StateSink
	disc *discoverer

	httpClient *http.Client

	mu sync.Mutex
	// cached state, hydrated lazily from the repository
	client   *ClientInformation
	tokens   *Tokens
	verifier string
	meta     *ServerMetadata
	// resource identifier and scopes learned from a 401 challenge: the
	// challenge's explicit scope parameter, and scopes_supported from the
	// resource metadata
	resource        string
	challengeScopes []string
	detectedScopes  []string
}

// NewProvider builds a provider for the named upstream.
func NewProvider(server string, cfg *config.OAuthConfig, publicBaseURL string, repo store.Repository, sink StateSink) *Provider {
	var c config.OAuthConfig
	if cfg != nil {
		c = *cfg
	}
	return &Provider{
		server:        server,
		cfg:           c,
		publicBaseURL: publicBaseURL,
		repo:          repo,
		sink:          sink,
		disc:          newDiscoverer(nil),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RedirectURL computes the canonical callback: the configured public base URL
// plus /oauth/callback, else the first configured redirect URI, else the
// localhost default. Any server= query parameter is stripped.
func (p *Provider) RedirectURL() string {
	raw := ""
	switch {
	case p.publicBaseURL != "":
		raw = strings.TrimSuffix(p.publicBaseURL, "/") + "/oauth/callback"
	case len(p.cfg.RedirectURIs) > 0:
		raw = p.cfg.RedirectURIs[0]
	default:
		raw = defaultRedirectURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Del("server")
	u.RawQuery = q.Encode()
	return u.String()
}

// ClientMetadata derives the RFC 7591 registration document from config.
func (p *Provider) ClientMetadata() ClientMetadata {
	authMethod := "none"
	if p.cfg.ClientSecret != "" {
		authMethod = "client_secret_post"
	}
	return ClientMetadata{
		RedirectURIs:            []string{p.RedirectURL()},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		ClientName:              "mcphub (" + p.server + ")",
		Scope:                   strings.Join(p.cfg.Scopes, " "),
	}
}

// ClientInformation returns the cached client identity, falling back to the
// persisted state and then the static config.
func (p *Provider) ClientInformation() (*ClientInformation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientInformationLocked()
}

func (p *Provider) clientInformationLocked() (*ClientInformation, error) {
	if p.client != nil {
		return p.client, nil
	}

	st, err := p.repo.OAuthState(p.server)
	if err != nil {
		return nil, err
	}
	if st.ClientID != "" {
		p.client = &ClientInformation{ClientID: st.ClientID, ClientSecret: st.ClientSecret}
		return p.client, nil
	}
	if p.cfg.ClientID != "" {
		p.client = &ClientInformation{ClientID: p.cfg.ClientID, ClientSecret: p.cfg.ClientSecret}
		return p.client, nil
	}
	return nil, nil
}

// Tokens returns the cached token bundle, hydrating from the store.
func (p *Provider) Tokens() (*Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokensLocked()
}

func (p *Provider) tokensLocked() (*Tokens, error) {
	if p.tokens != nil {
		return p.tokens, nil
	}
	st, err := p.repo.OAuthState(p.server)
	if err != nil {
		return nil, err
	}
	if st.AccessToken == "" && st.RefreshToken == "" {
		return nil, nil
	}
	p.tokens = &Tokens{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		Expiry:       st.TokenExpiry,
	}
	return p.tokens, nil
}

// SaveClientInformation persists the registered client identity.
func (p *Provider) SaveClientInformation(info ClientInformation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.repo.UpdateOAuthState(p.server, func(st *store.OAuthState) error {
		st.ClientID = info.ClientID
		st.ClientSecret = info.ClientSecret
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist client information for %s: %w", p.server, err)
	}
	p.client = &info
	return nil
}

// SaveTokens persists the token bundle and clears any pending authorization.
func (p *Provider) SaveTokens(t Tokens) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.repo.UpdateOAuthState(p.server, func(st *store.OAuthState) error {
		st.AccessToken = t.AccessToken
		st.RefreshToken = t.RefreshToken
		st.TokenExpiry = t.Expiry
		st.PendingAuthorization = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist tokens for %s: %w", p.server, err)
	}
	p.tokens = &t
	p.verifier = ""
	if p.sink != nil {
		p.sink.ClearAuthorizationRequired(p.server)
	}
	return nil
}

// SaveCodeVerifier persists the PKCE verifier of the in-flight flow.
func (p *Provider) SaveCodeVerifier(verifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.repo.UpdateOAuthState(p.server, func(st *store.OAuthState) error {
		if st.PendingAuthorization == nil {
			st.PendingAuthorization = &store.PendingAuthorization{}
		}
		st.PendingAuthorization.CodeVerifier = verifier
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist code verifier for %s: %w", p.server, err)
	}
	p.verifier = verifier
	return nil
}

// InvalidateCredentials clears the requested credential subset. Clearing
// tokens or the client flips the upstream back to oauth_required.
func (p *Provider) InvalidateCredentials(scope InvalidationScope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.repo.UpdateOAuthState(p.server, func(st *store.OAuthState) error {
		switch scope {
		case InvalidateAll:
			*st = store.OAuthState{}
		case InvalidateClient:
			st.ClientID = ""
			st.ClientSecret = ""
			st.DynamicRegistration = nil
		case InvalidateTokens:
			st.AccessToken = ""
			st.RefreshToken = ""
			st.TokenExpiry = time.Time{}
		case InvalidateVerifier:
			if st.PendingAuthorization != nil {
				st.PendingAuthorization.CodeVerifier = ""
			}
		default:
			return fmt.Errorf("unknown invalidation scope %q", scope)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate credentials for %s: %w", p.server, err)
	}

	switch scope {
	case InvalidateAll:
		p.client = nil
		p.tokens = nil
		p.verifier = ""
	case InvalidateClient:
		p.client = nil
	case InvalidateTokens:
		p.tokens = nil
	case InvalidateVerifier:
		p.verifier = ""
	}

	if scope == InvalidateAll || scope == InvalidateClient || scope == InvalidateTokens {
		if p.sink != nil {
			p.sink.SetAuthorizationRequired(p.server, PendingAuthorization{})
		}
	}
	return nil
}

// AccessToken returns a currently valid access token, refreshing it when a
// refresh token is available. Returns ErrAuthorizationRequired when no
// credentials can produce one.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	tokens, err := p.tokensLocked()
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	if tokens.Valid() {
		return tokens.AccessToken, nil
	}
	if tokens == nil || tokens.RefreshToken == "" {
		return "", ErrAuthorizationRequired
	}

	refreshed, err := p.refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (p *Provider) refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	cfg, err := p.oauth2Config(ctx)
	if err != nil {
		return nil, err
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		logging.Warn("OAuth", "Token refresh failed for %s: %v", p.server, err)
		return nil, fmt.Errorf("token refresh for %s failed: %w", p.server, err)
	}

	refreshed := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}
	if err := p.SaveTokens(refreshed); err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// BeginAuthorization runs discovery (and registration if needed) from a 401
// challenge, stamps the pending authorization, and fails the connect attempt
// with ErrAuthorizationRequired so the registry records oauth_required.
func (p *Provider) BeginAuthorization(ctx context.Context, challenge *WWWAuthenticateParams) error {
	if challenge.Scope != "" {
		p.mu.Lock()
		p.challengeScopes = strings.Fields(challenge.Scope)
		p.mu.Unlock()
	}

	metadataURL := challenge.MetadataURL()
	if metadataURL != "" {
		resMeta, err := p.disc.ProtectedResource(ctx, metadataURL)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.resource = resMeta.Resource
		p.detectedScopes = resMeta.ScopesSupported
		p.mu.Unlock()

		issuer := resMeta.AuthorizationServers[0]
		meta, err := p.disc.ServerMetadata(ctx, issuer)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.meta = meta
		p.mu.Unlock()
	} else if _, err := p.oauth2Config(ctx); err != nil {
		return err
	}

	info, err := p.ClientInformation()
	if err != nil {
		return err
	}
	if info == nil {
		if err := p.register(ctx); err != nil {
			return err
		}
	}

	return p.redirectToAuthorization(ctx)
}

// redirectToAuthorization stamps pendingAuthorization with the computed
// authorization URL, state, and PKCE verifier. This is not a user redirect:
// the connect attempt fails with ErrAuthorizationRequired and a separate
// administrative surface later delivers the authorization code.
func (p *Provider) redirectToAuthorization(ctx context.Context) error {
	cfg, err := p.oauth2Config(ctx)
	if err != nil {
		return err
	}

	verifier := oauth2.GenerateVerifier()
	state, err := p.deriveState()
	if err != nil {
		return err
	}

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	pending := store.PendingAuthorization{
		AuthorizationURL: authURL,
		State:            state,
		CodeVerifier:     verifier,
		CreatedAt:        time.Now(),
	}
	err = p.repo.UpdateOAuthState(p.server, func(st *store.OAuthState) error {
		st.PendingAuthorization = &pending
		if p.meta != nil {
			st.AuthorizationEndpoint = p.meta.AuthorizationEndpoint
			st.TokenEndpoint = p.meta.TokenEndpoint
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist pending authorization for %s: %w", p.server, err)
	}

	p.mu.Lock()
	p.verifier = verifier
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.SetAuthorizationRequired(p.server, PendingAuthorization{
			AuthorizationURL: authURL,
			State:            state,
			CodeVerifier:     verifier,
		})
	}

	logging.Info("OAuth", "Upstream %s requires authorization: %s", p.server, authURL)
	return fmt.Errorf("upstream %s: %w", p.server, ErrAuthorizationRequired)
}

// CompleteAuthorization exchanges the code delivered by the administrative
// surface for tokens, using the persisted PKCE verifier.
func (p *Provider) CompleteAuthorization(ctx context.Context, code string) error {
	st, err := p.repo.OAuthState(p.server)
	if err != nil {
		return err
	}
	if st.PendingAuthorization == nil {
		return fmt.Errorf("upstream %s has no pending authorization", p.server)
	}
	verifier := st.PendingAuthorization.CodeVerifier

	cfg, err := p.oauth2Config(ctx)
	if err != nil {
		return err
	}
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("authorization code exchange for %s failed: %w", p.server, err)
	}

	return p.SaveTokens(Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
}

// register performs RFC 7591 dynamic client registration against the
// discovered issuer and persists the returned credentials. A cached client
// is reused until client_secret_expires_at.
func (p *Provider) register(ctx context.Context) error {
	p.mu.Lock()
	meta := p.meta
	p.mu.Unlock()

	if meta == nil || meta.RegistrationEndpoint == "" {
		return fmt.Errorf("upstream %s: issuer does not support dynamic registration and no client is configured", p.server)
	}
	if !p.cfg.DynamicRegistration && p.cfg.ClientID != "" {
		return nil
	}

	st, err := p.repo.OAuthState(p.server)
	if err != nil {
		return err
	}
	if st.ClientID != "" && (st.DynamicRegistration == nil || st.DynamicRegistration.ExpiresAt.IsZero() ||
		time.Now().Before(st.DynamicRegistration.ExpiresAt)) {
		return nil
	}

	docMeta := p.ClientMetadata()
	if docMeta.Scope == "" {
		docMeta.Scope = strings.Join(p.scopes(), " ")
	}
	body, err := json.Marshal(docMeta)
	if err != nil {
		return fmt.Errorf("failed to marshal client metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registration request for %s failed: %w", p.server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registration for %s failed with status %d", p.server, resp.StatusCode)
	}

	var reg registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("failed to parse registration response for %s: %w", p.server, err)
	}
	if reg.ClientID == "" {
		return fmt.Errorf("registration for %s returned no client_id", p.server)
	}

	var expiry time.Time
	if reg.ClientSecretExpiresAt > 0 {
		expiry = time.Unix(reg.ClientSecretExpiresAt, 0)
	}

	err = p.repo.UpdateOAuthState(p.server, func(st *store.OAuthState) error {
		st.ClientID = reg.ClientID
		st.ClientSecret = reg.ClientSecret
		st.DynamicRegistration = &store.DynamicRegistration{
			Enabled:   true,
			ExpiresAt: expiry,
			Metadata:  clientMetadataDoc(docMeta),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist registration for %s: %w", p.server, err)
	}

	p.mu.Lock()
	p.client = &ClientInformation{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret, ClientSecretExpiresAt: expiry}
	p.mu.Unlock()

	logging.Info("OAuth", "Registered dynamic client for %s (client_id=%s)", p.server, reg.ClientID)
	return nil
}

// scopes resolves the scope selection priority: the challenge's explicit
// scope parameter > detected scopes_supported > configured scopes >
// "openid".
func (p *Provider) scopes() []string {
	if len(p.challengeScopes) > 0 {
		return p.challengeScopes
	}
	if len(p.detectedScopes) > 0 {
		return p.detectedScopes
	}
	if len(p.cfg.Scopes) > 0 {
		return p.cfg.Scopes
	}
	return []string{"openid"}
}

// oauth2Config assembles the x/oauth2 configuration from discovered metadata,
// persisted endpoints, or static config, in that order.
func (p *Provider) oauth2Config(ctx context.Context) (*oauth2.Config, error) {
	p.mu.Lock()
	meta := p.meta
	p.mu.Unlock()

	authURL, tokenURL := "", ""
	if meta != nil {
		authURL, tokenURL = meta.AuthorizationEndpoint, meta.TokenEndpoint
	}
	if authURL == "" || tokenURL == "" {
		st, err := p.repo.OAuthState(p.server)
		if err != nil {
			return nil, err
		}
		if st.AuthorizationEndpoint != "" {
			authURL, tokenURL = st.AuthorizationEndpoint, st.TokenEndpoint
		}
	}
	if authURL == "" || tokenURL == "" {
		// Statically configured issuer endpoints.
		if p.cfg.AuthorizationEndpoint != "" && p.cfg.TokenEndpoint != "" {
			authURL, tokenURL = p.cfg.AuthorizationEndpoint, p.cfg.TokenEndpoint
		}
	}
	if authURL == "" || tokenURL == "" {
		return nil, fmt.Errorf("upstream %s: no authorization endpoints known", p.server)
	}

	info, err := p.ClientInformation()
	if err != nil {
		return nil, err
	}
	clientID, clientSecret := "", ""
	if info != nil {
		clientID, clientSecret = info.ClientID, info.ClientSecret
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  p.RedirectURL(),
		Scopes:       p.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

// deriveState builds the state parameter from {server, nonce} base64url, so
// the completion path can attribute the callback deterministically.
func (p *Provider) deriveState() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	doc, err := json.Marshal(map[string]string{
		"server": p.server,
		"nonce":  base64.RawURLEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(doc), nil
}

func clientMetadataDoc(m ClientMetadata) map[string]interface{} {
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}
