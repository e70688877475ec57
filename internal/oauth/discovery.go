package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcphub/pkg/logging"
)

// metadataCacheTTL is the time-to-live for cached issuer metadata. After this
// duration metadata is re-fetched from the issuer.
const metadataCacheTTL = 30 * time.Minute

type metadataCacheEntry struct {
	metadata  *ServerMetadata
	fetchedAt time.Time
}

// discoverer fetches and caches OAuth discovery documents. Concurrent
// fetches of the same issuer collapse into one request.
type discoverer struct {
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry
	group singleflight.Group
}

func newDiscoverer(httpClient *http.Client) *discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &discoverer{
		httpClient: httpClient,
		cache:      make(map[string]*metadataCacheEntry),
	}
}

// ProtectedResource fetches the RFC 9728 protected-resource metadata at
// metadataURL (taken from a 401 challenge).
func (d *discoverer) ProtectedResource(ctx context.Context, metadataURL string) (*ProtectedResourceMetadata, error) {
	var meta ProtectedResourceMetadata
	if err := d.fetchJSON(ctx, metadataURL, &meta); err != nil {
		return nil, fmt.Errorf("failed to fetch protected resource metadata: %w", err)
	}
	if len(meta.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("protected resource metadata at %s lists no authorization servers", metadataURL)
	}
	if meta.Resource == "" {
		meta.Resource = deriveResource(metadataURL)
	}
	return &meta, nil
}

// ServerMetadata resolves the RFC 8414 metadata of an issuer, with TTL cache
// and request collapsing.
func (d *discoverer) ServerMetadata(ctx context.Context, issuer string) (*ServerMetadata, error) {
	d.mu.RLock()
	entry, ok := d.cache[issuer]
	d.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < metadataCacheTTL {
		return entry.metadata, nil
	}

	result, err, _ := d.group.Do(issuer, func() (interface{}, error) {
		meta, err := d.fetchServerMetadata(ctx, issuer)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[issuer] = &metadataCacheEntry{metadata: meta, fetchedAt: time.Now()}
		d.mu.Unlock()
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ServerMetadata), nil
}

func (d *discoverer) fetchServerMetadata(ctx context.Context, issuer string) (*ServerMetadata, error) {
	base, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer %s: %w", issuer, err)
	}

	// RFC 8414 path-insert form first, then OIDC discovery as fallback.
	candidates := []string{
		base.Scheme + "://" + base.Host + "/.well-known/oauth-authorization-server" + base.Path,
		strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration",
	}

	var lastErr error
	for _, u := range candidates {
		var meta ServerMetadata
		if err := d.fetchJSON(ctx, u, &meta); err != nil {
			lastErr = err
			continue
		}
		if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
			lastErr = fmt.Errorf("metadata at %s is missing endpoints", u)
			continue
		}
		if meta.Issuer == "" {
			meta.Issuer = issuer
		}
		logging.Debug("OAuth", "Discovered issuer metadata for %s (registration=%v)",
			issuer, meta.RegistrationEndpoint != "")
		return &meta, nil
	}
	return nil, fmt.Errorf("failed to discover issuer %s: %w", issuer, lastErr)
}

func (d *discoverer) fetchJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", rawURL, err)
	}
	return nil
}

// deriveResource strips the well-known path back to the resource identifier.
func deriveResource(metadataURL string) string {
	u, err := url.Parse(metadataURL)
	if err != nil {
		return metadataURL
	}
	const marker = "/.well-known/oauth-protected-resource"
	if idx := strings.Index(u.Path, marker); idx >= 0 {
		u.Path = u.Path[len(marker)+idx:]
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/")
}
