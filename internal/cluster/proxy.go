package cluster

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"mcphub/pkg/logging"
)

// hopByHopHeaders are stripped in both directions when forwarding.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Proxy forwards raw HTTP requests to the node owning a session. The
// response status, headers, and body stream are piped back unchanged.
type Proxy struct {
	client *http.Client
}

// NewProxy builds the forwarding client. No overall timeout: MCP streams
// are long-lived; cancellation rides on the request context.
func NewProxy() *Proxy {
	return &Proxy{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Forward replays the request against targetBaseURL with the original path
// and query. The hub replies 502 when the target is unreachable and nothing
// was flushed yet; a mid-stream failure terminates the stream.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, targetBaseURL string) {
	target := strings.TrimSuffix(targetBaseURL, "/") + r.URL.RequestURI()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad proxy target", http.StatusBadGateway)
		return
	}

	copyProxyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Header.Set("X-Forwarded-Proto", schemeOf(r))
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		appendForwardedFor(outReq.Header, clientIP)
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		logging.Warn("Cluster", "Proxy to %s failed: %v", targetBaseURL, err)
		http.Error(w, "upstream node unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Flush per chunk so SSE frames pass through without buffering.
	if err := copyFlush(w, resp.Body); err != nil {
		// Bytes already went out; terminating the stream is all we can do.
		logging.Debug("Cluster", "Proxy stream to client ended: %v", err)
	}
}

// Do issues a raw request through the proxy's client. Exposed for tests.
func (p *Proxy) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return p.client.Do(req.WithContext(ctx))
}

func copyProxyHeaders(dst, src http.Header) {
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHopHeaders[ck] || ck == "Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func appendForwardedFor(h http.Header, clientIP string) {
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func copyFlush(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
