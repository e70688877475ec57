package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"mcphub/internal/oauth"
)

// probeClient is shared by authorization probes; challenges are tiny and the
// body is discarded.
var probeClient = &http.Client{Timeout: 15 * time.Second}

// ProbeAuthorization issues a bare request against an HTTP upstream and
// returns the parsed OAuth challenge when the endpoint answers 401 with a
// Bearer WWW-Authenticate header. A nil result means no challenge.
//
// The mcp-go transports surface 401s as opaque error strings, so the
// registry uses this probe to recover the challenge parameters that drive
// discovery.
func ProbeAuthorization(ctx context.Context, url string, headers map[string]string) (*oauth.WWWAuthenticateParams, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, nil
	}

	challenge := oauth.ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if challenge == nil || !challenge.IsOAuthChallenge() {
		// A 401 without a usable challenge still needs authorization; return
		// an empty Bearer challenge so the provider falls back to configured
		// endpoints.
		return &oauth.WWWAuthenticateParams{Scheme: "Bearer"}, nil
	}
	return challenge, nil
}

// IsAuthError reports whether a transport error string looks like an HTTP
// authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") ||
		strings.Contains(msg, "unauthorized")
}
