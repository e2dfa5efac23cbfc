// Package webapi implements a generic JSON data-API surface. It covers
// third-party answer/data APIs that take a query string and return a JSON
// document; the whole body is recorded as the response text.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/probelab/surveyor/pkg/surface"
)

func init() {
	surface.Register("webapi", func(cfg surface.Config) (surface.Adapter, error) {
		return New(cfg)
	})
}

// Surface queries a configurable JSON endpoint.
type Surface struct {
	baseURL string
	apiKey  string
}

// New creates the adapter. cfg.BaseURL is required and must accept the query
// in a `q` parameter; cfg.APIKey, when set, is sent as a bearer token.
func New(cfg surface.Config) (*Surface, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("webapi surface requires a base URL")
	}
	return &Surface{baseURL: cfg.BaseURL, apiKey: cfg.APIKey}, nil
}

// Submit issues the query through the session's HTTP client so the egress
// identity's proxy applies.
func (s *Surface) Submit(ctx context.Context, sess surface.Session, query string, timeout time.Duration) (*surface.Result, error) {
	client, ok := sess.HTTPClient()
	if !ok {
		return nil, fmt.Errorf("webapi surface requires an HTTP session")
	}

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := client.R().
		SetContext(ctx).
		SetQueryParam("q", query)
	if s.apiKey != "" {
		req.SetAuthToken(s.apiKey)
	}

	resp, err := req.Get(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", surface.ErrTransport, err)
	}

	switch {
	case resp.StatusCode() == 403 || resp.StatusCode() == 429:
		return nil, fmt.Errorf("%w: status %d", surface.ErrBlocked, resp.StatusCode())
	case resp.StatusCode() >= 400:
		return nil, fmt.Errorf("webapi status %d: %s", resp.StatusCode(), firstLine(resp.Body()))
	}

	body := resp.Body()
	if len(body) == 0 || !json.Valid(body) {
		return nil, fmt.Errorf("%w: non-JSON body (%d bytes)", surface.ErrEmptyResponse, len(body))
	}

	return &surface.Result{
		Text:     string(body),
		Duration: time.Since(start),
	}, nil
}

func firstLine(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

// Name returns the surface identifier.
func (s *Surface) Name() string { return "webapi" }

// Kind reports this is a stateless API adapter.
func (s *Surface) Kind() surface.Kind { return surface.KindAPI }
