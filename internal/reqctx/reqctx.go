// Package reqctx carries downstream request metadata through the dispatch
// stack as an explicit context value. OpenAPI passthrough reads the original
// client headers from here instead of any process-global holder, which keeps
// concurrent sessions from observing each other's requests.
package reqctx

import (
	"context"
	"net/http"
)

type headersKey struct{}

// WithHeaders returns a context carrying a copy of the request headers.
func WithHeaders(ctx context.Context, h http.Header) context.Context {
	if h == nil {
		return ctx
	}
	return context.WithValue(ctx, headersKey{}, h.Clone())
}

// HeadersFrom returns the downstream request headers bound to ctx, or nil.
func HeadersFrom(ctx context.Context) http.Header {
	h, _ := ctx.Value(headersKey{}).(http.Header)
	return h
}
