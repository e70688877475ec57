package upstream

import (
	"fmt"
	"time"

	"mcphub/internal/config"
)

// NewClientFromConfig creates the appropriate transport client for an
// upstream descriptor. This factory encapsulates the choice of client
// implementation per kind.
//
// A non-nil TokenProvider is honored by the OAuth-capable kinds (sse,
// streamable-http) and ignored by the rest.
func NewClientFromConfig(cfg *config.UpstreamConfig, tokens TokenProvider, initTimeout time.Duration) (Client, error) {
	switch cfg.Kind {
	case config.KindStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("command is required for stdio type")
		}
		return NewStdioClient(cfg.Name, cfg.Command, cfg.Args, cfg.Env, initTimeout), nil

	case config.KindSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("url is required for sse type")
		}
		return NewSSEClient(cfg.URL, cfg.Headers, tokens, initTimeout), nil

	case config.KindStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("url is required for streamable-http type")
		}
		return NewStreamableHTTPClient(cfg.URL, cfg.Headers, tokens, initTimeout), nil

	case config.KindOpenAPI:
		if cfg.URL == "" && cfg.Schema == "" {
			return nil, fmt.Errorf("url or schema is required for openapi type")
		}
		return NewOpenAPIClient(cfg.Name, cfg.URL, cfg.Schema, cfg.Headers, cfg.PassthroughHeaders), nil

	default:
		return nil, fmt.Errorf("unsupported upstream kind: %s (supported: %s, %s, %s, %s)",
			cfg.Kind, config.KindStdio, config.KindSSE, config.KindStreamableHTTP, config.KindOpenAPI)
	}
}
