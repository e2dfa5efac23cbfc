// Package session owns the lifecycle of egress sessions: controlled-browser
// contexts and proxy-backed HTTP clients bound to one identity each. Exactly
// one session per worker is live at a time; opening a new one always closes
// the previous one.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"github.com/go-resty/resty/v2"

	"github.com/probelab/surveyor/internal/identity"
	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/pkg/surface"
)

// Config controls session construction.
type Config struct {
	// Headless runs the browser without a visible window. Disable for
	// operator-attended debugging.
	Headless bool
	// WarmupURL is the neutral page visited during warm-up.
	WarmupURL string
	// WarmupQuery is the benign query issued during warm-up.
	WarmupQuery string
	// OpenTimeout bounds browser startup and warm-up combined.
	OpenTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:    true,
		WarmupURL:   "https://www.wikipedia.org",
		WarmupQuery: "local weather forecast",
		OpenTimeout: 90 * time.Second,
	}
}

// localeFor maps a claimed exit country to the locale/timezone pair the
// browser declares, so the fingerprint agrees with the egress IP.
var localeFor = map[string]struct {
	lang string
	tz   string
}{
	"US": {"en-US", "America/New_York"},
	"GB": {"en-GB", "Europe/London"},
	"DE": {"de-DE", "Europe/Berlin"},
	"FR": {"fr-FR", "Europe/Paris"},
	"CA": {"en-CA", "America/Toronto"},
	"AU": {"en-AU", "Australia/Sydney"},
	"JP": {"ja-JP", "Asia/Tokyo"},
	"BR": {"pt-BR", "America/Sao_Paulo"},
	"IN": {"en-IN", "Asia/Kolkata"},
}

// Handle is a live session bound to one identity. It satisfies
// surface.Session.
type Handle struct {
	identity identity.Identity
	kind     surface.Kind

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	client *resty.Client

	mu       sync.Mutex
	lastBody string
	lastURL  string

	// VerifiedIP caches the most recent IP verification for this session.
	VerifiedIP *IPVerification
}

// Identity returns the identity the session is bound to.
func (h *Handle) Identity() identity.Identity { return h.identity }

// IdentityName implements surface.Session.
func (h *Handle) IdentityName() string {
	if h.identity.Name == "" {
		return "direct"
	}
	return h.identity.Name
}

// BrowserContext implements surface.Session.
func (h *Handle) BrowserContext() (context.Context, bool) {
	if h.browserCtx == nil {
		return nil, false
	}
	return h.browserCtx, true
}

// HTTPClient implements surface.Session.
func (h *Handle) HTTPClient() (*resty.Client, bool) {
	if h.client == nil {
		return nil, false
	}
	return h.client, true
}

// Snapshot returns the session's current page URL and content for block
// inspection. Browser sessions read the live page; HTTP sessions return the
// last response seen by the client.
func (h *Handle) Snapshot(ctx context.Context) (pageURL, content string, err error) {
	if h.browserCtx != nil {
		snapCtx, cancel := context.WithTimeout(h.browserCtx, 10*time.Second)
		defer cancel()
		err = chromedp.Run(snapCtx,
			chromedp.Location(&pageURL),
			chromedp.OuterHTML("html", &content),
		)
		if err != nil {
			return "", "", fmt.Errorf("page snapshot: %w", err)
		}
		return pageURL, content, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastURL, h.lastBody, nil
}

// Close releases the session's browser or transport resources. Safe to call
// more than once.
func (h *Handle) Close() {
	if h.browserCancel != nil {
		h.browserCancel()
		h.browserCancel = nil
	}
	if h.allocCancel != nil {
		h.allocCancel()
		h.allocCancel = nil
	}
	h.client = nil
}

// Manager opens and tracks sessions. It enforces the one-live-session rule:
// Open closes the manager's current session before constructing the next.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	current *Handle
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if cfg.WarmupURL == "" {
		cfg.WarmupURL = DefaultConfig().WarmupURL
	}
	return &Manager{cfg: cfg}
}

// Current returns the manager's live session, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open constructs a fresh session for the identity. kind selects a browser
// context (KindSession) or an HTTP client (KindAPI). With warmUp set, browser
// sessions perform a short sequence of innocuous actions before control
// returns, so the session's first target query is not its first-ever action.
func (m *Manager) Open(ctx context.Context, id identity.Identity, kind surface.Kind, warmUp bool) (*Handle, error) {
	m.mu.Lock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
	m.mu.Unlock()

	var handle *Handle
	var err error
	if kind == surface.KindSession {
		handle, err = m.openBrowser(ctx, id, warmUp)
	} else {
		handle, err = m.openHTTP(id)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = handle
	m.mu.Unlock()

	logger.Info("session opened",
		"identity", handle.IdentityName(),
		"kind", string(kind),
		"warmed_up", warmUp && kind == surface.KindSession)
	return handle, nil
}

// Close closes the manager's current session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

func (m *Manager) openBrowser(ctx context.Context, id identity.Identity, warmUp bool) (*Handle, error) {
	opts := stealthAllocatorOptions(m.cfg.Headless)

	loc := localeFor[countryOf(id.Location)]
	if loc.lang != "" {
		opts = append(opts,
			chromedp.Flag("lang", loc.lang),
			chromedp.Flag("accept-lang", loc.lang+";q=0.9,en;q=0.8"),
		)
	}

	username := id.SessionUsername()
	if !id.Direct() {
		opts = append(opts, chromedp.ProxyServer(id.Server))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	handle := &Handle{
		identity:      id,
		kind:          surface.KindSession,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	openCtx, cancel := context.WithTimeout(browserCtx, m.cfg.OpenTimeout)
	defer cancel()

	setup := []chromedp.Action{injectStealth()}
	if loc.tz != "" {
		setup = append(setup, emulation.SetTimezoneOverride(loc.tz))
	}
	if err := chromedp.Run(openCtx, setup...); err != nil {
		handle.Close()
		return nil, fmt.Errorf("browser setup: %w", err)
	}

	if !id.Direct() && username != "" {
		if err := enableProxyAuth(browserCtx, username, id.Password); err != nil {
			handle.Close()
			return nil, fmt.Errorf("proxy auth: %w", err)
		}
	}

	if warmUp {
		m.warmUp(openCtx, handle)
	}

	return handle, nil
}

func (m *Manager) openHTTP(id identity.Identity) (*Handle, error) {
	client := resty.New().
		SetTimeout(60 * time.Second).
		SetHeader("User-Agent", defaultUserAgent)

	handle := &Handle{identity: id, kind: surface.KindAPI, client: client}

	if !id.Direct() {
		proxyURL := "http://" + id.Server
		if username := id.SessionUsername(); username != "" {
			proxyURL = fmt.Sprintf("http://%s:%s@%s", username, id.Password, id.Server)
		}
		client.SetProxy(proxyURL)
	}

	// Keep the last response around so block inspection has something to
	// look at on the HTTP path.
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		handle.mu.Lock()
		handle.lastURL = resp.Request.URL
		handle.lastBody = string(resp.Body())
		handle.mu.Unlock()
		return nil
	})

	return handle, nil
}

// enableProxyAuth answers the browser's proxy auth challenges with the
// identity's credentials. Chrome does not accept credentials in the
// --proxy-server flag, so the fetch domain intercepts instead.
func enableProxyAuth(browserCtx context.Context, username, password string) error {
	chromedp.ListenTarget(browserCtx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}
				if err := chromedp.Run(browserCtx, fetch.ContinueWithAuth(ev.RequestID, resp)); err != nil {
					logger.Debug("proxy auth continue failed", "error", err)
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				if err := chromedp.Run(browserCtx, fetch.ContinueRequest(ev.RequestID)); err != nil {
					logger.Debug("request continue failed", "error", err)
				}
			}()
		}
	})
	return chromedp.Run(browserCtx, fetch.Enable().WithHandleAuthRequests(true))
}

// countryOf extracts the country part from a location like "US" or "US-CA".
func countryOf(location string) string {
	country, _, _ := strings.Cut(strings.ToUpper(location), "-")
	return country
}
