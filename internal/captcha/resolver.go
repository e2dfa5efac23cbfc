package captcha

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/internal/session"
)

// siteKeyExtractors are the fallback techniques for pulling the challenge's
// public site key out of the page, tried in order of reliability: the widget
// attribute, the script/iframe query parameter, and finally the reCAPTCHA
// client registry.
var siteKeyExtractors = []string{
	// data-sitekey attribute on the widget container.
	`(function() {
		const el = document.querySelector('[data-sitekey]');
		return el ? el.getAttribute('data-sitekey') : '';
	})()`,
	// k= query parameter on a recaptcha script or iframe src.
	`(function() {
		const nodes = document.querySelectorAll('script[src*="recaptcha"], iframe[src*="recaptcha"]');
		for (const n of nodes) {
			const m = (n.src || '').match(/[?&]k=([^&]+)/);
			if (m) return m[1];
		}
		return '';
	})()`,
	// grecaptcha internal client registry.
	`(function() {
		const cfg = window.___grecaptcha_cfg;
		if (!cfg || !cfg.clients) return '';
		for (const id of Object.keys(cfg.clients)) {
			const client = cfg.clients[id];
			for (const key of Object.keys(client)) {
				const obj = client[key];
				if (obj && typeof obj === 'object' && typeof obj.sitekey === 'string') {
					return obj.sitekey;
				}
			}
		}
		return '';
	})()`,
}

// injectScript places the token in the expected response field and triggers
// the page's own completion callback, falling back to a form submit when no
// callback is registered.
const injectScript = `
(function(token) {
	const field = document.querySelector('#g-recaptcha-response, textarea[name="g-recaptcha-response"]');
	if (field) {
		field.style.display = '';
		field.value = token;
	}

	const cfg = window.___grecaptcha_cfg;
	if (cfg && cfg.clients) {
		for (const id of Object.keys(cfg.clients)) {
			const client = cfg.clients[id];
			for (const key of Object.keys(client)) {
				const obj = client[key];
				if (obj && typeof obj === 'object' && typeof obj.callback === 'function') {
					obj.callback(token);
					return 'callback';
				}
			}
		}
	}

	const widget = document.querySelector('[data-callback]');
	if (widget && typeof window[widget.getAttribute('data-callback')] === 'function') {
		window[widget.getAttribute('data-callback')](token);
		return 'attribute-callback';
	}

	const form = field ? field.closest('form') : document.querySelector('form');
	if (form) {
		form.submit();
		return 'form-submit';
	}
	return 'no-target';
})`

// Resolver extracts a challenge from a browser session, has the solver
// service produce a token, and injects it back.
type Resolver struct {
	solver *SolverClient
}

// NewResolver creates a resolver around a solver client.
func NewResolver(solver *SolverClient) *Resolver {
	return &Resolver{solver: solver}
}

// Resolve attempts to clear the challenge on the session's current page.
// Returns false, leaving the session unmodified, when no API key is
// configured, no site key can be extracted, or the service fails. A true
// return must be re-verified with another block-detection pass before being
// trusted.
func (r *Resolver) Resolve(ctx context.Context, h *session.Handle) (bool, error) {
	browserCtx, ok := h.BrowserContext()
	if !ok {
		return false, nil
	}
	if !r.solver.Configured() {
		logger.Warn("captcha detected but no solver API key configured")
		return false, nil
	}

	pageCtx, cancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancel()

	var pageURL string
	if err := chromedp.Run(pageCtx, chromedp.Location(&pageURL)); err != nil {
		return false, err
	}

	siteKey := extractSiteKey(pageCtx)
	if siteKey == "" {
		logger.Warn("captcha site key extraction failed", "url", pageURL)
		return false, nil
	}
	logger.Debug("captcha site key extracted", "site_key", siteKey)

	token, err := r.solver.Solve(ctx, siteKey, pageURL)
	if err != nil {
		logger.Warn("captcha solve failed", "error", err)
		return false, nil
	}

	injectCtx, injectCancel := context.WithTimeout(browserCtx, 20*time.Second)
	defer injectCancel()

	var how string
	script := injectScript + "(" + jsString(token) + ")"
	if err := chromedp.Run(injectCtx,
		chromedp.Evaluate(script, &how),
		chromedp.Sleep(2*time.Second),
	); err != nil {
		return false, err
	}
	if how == "no-target" {
		logger.Warn("captcha token had no injection target")
		return false, nil
	}

	logger.Info("captcha token injected", "via", how)
	return true, nil
}

// extractSiteKey runs the fallback extractors in order.
func extractSiteKey(ctx context.Context) string {
	for _, script := range siteKeyExtractors {
		var key string
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &key)); err != nil {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			return key
		}
	}
	return ""
}

// jsString quotes a value as a JS string literal.
func jsString(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", ``)
	return "'" + replacer.Replace(s) + "'"
}
