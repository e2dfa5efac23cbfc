// Package surface defines the interface between the query execution engine
// and the external systems it queries. Implement Adapter to add a new
// surface; the engine stays ignorant of surface-specific protocols and DOM
// layouts.
package surface

import (
	"context"
	"errors"
	"time"

	"github.com/go-resty/resty/v2"
)

// Kind distinguishes adapters that run over a stateless HTTP client from
// adapters that need a live controlled-browser session.
type Kind string

const (
	// KindAPI adapters submit queries as direct HTTP/API calls.
	KindAPI Kind = "api"
	// KindSession adapters drive a controlled browser and depend on
	// per-session state (cookies, challenge tokens).
	KindSession Kind = "session"
)

// Session is the egress handle an adapter submits through. Browser-backed
// sessions expose a chromedp target context; API-backed sessions expose an
// HTTP client routed through the session's identity.
type Session interface {
	// BrowserContext returns the chromedp target context, or false when the
	// session is not browser-backed.
	BrowserContext() (context.Context, bool)

	// HTTPClient returns the session's HTTP client, or false when the
	// session is browser-backed only.
	HTTPClient() (*resty.Client, bool)

	// IdentityName names the egress identity the session is bound to.
	IdentityName() string
}

// Result is the raw outcome of one successful submission.
type Result struct {
	Text     string
	Duration time.Duration
	// Citations are source references the surface attached to its answer,
	// when the surface reports them (AI assistants).
	Citations []string
	// Organic are ranked search results, when the surface is a search
	// engine.
	Organic []Organic
}

// Organic is one ranked search hit.
type Organic struct {
	Rank  int
	Title string
	URL   string
}

// Adapter submits one query to one surface.
//
// Submit must return one of the typed errors below (possibly wrapped) rather
// than a generic failure, so the engine can classify without surface-specific
// knowledge: ErrBlocked for challenges and anti-bot interference,
// ErrEmptyResponse for malformed or empty surface output, and ErrTransport
// for network-level failures.
type Adapter interface {
	Submit(ctx context.Context, sess Session, query string, timeout time.Duration) (*Result, error)
	Name() string
	Kind() Kind
}

// Typed submission errors. Check with errors.Is.
var (
	// ErrBlocked indicates the surface challenged or refused the session.
	ErrBlocked = errors.New("surface blocked the request")
	// ErrEmptyResponse indicates the surface answered with no usable content.
	ErrEmptyResponse = errors.New("surface returned an empty response")
	// ErrTransport indicates a network-level failure before any surface
	// response was received.
	ErrTransport = errors.New("transport error")
)
