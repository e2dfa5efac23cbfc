package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/probelab/surveyor/internal/logger"
)

// consentSelectors cover the common cookie-consent accept buttons. Matched
// best effort; most warm-up pages show none.
var consentSelectors = []string{
	`button#L2AGLb`,
	`button[aria-label="Accept all"]`,
	`button[id*="accept"]`,
	`#onetrust-accept-btn-handler`,
}

// warmUp visits a neutral page, deals with cookie consent when present,
// issues one benign query, and scrolls. A session whose first-ever action is
// the target query is more likely to be flagged than one with prior organic
// activity. Every step is best effort; warm-up never fails the open.
func (m *Manager) warmUp(ctx context.Context, h *Handle) {
	log := logger.With("identity", h.IdentityName())
	log.Debug("session warm-up starting", "url", m.cfg.WarmupURL)

	warmCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	if err := chromedp.Run(warmCtx,
		chromedp.Navigate(m.cfg.WarmupURL),
		chromedp.WaitVisible("body"),
		chromedp.Sleep(humanPause()),
	); err != nil {
		log.Debug("warm-up navigation failed", "error", err)
		return
	}

	acceptConsent(warmCtx)

	if m.cfg.WarmupQuery != "" {
		benignSearch(warmCtx, m.cfg.WarmupQuery)
	}

	if err := chromedp.Run(warmCtx,
		chromedp.Evaluate(`window.scrollTo({top: document.body.scrollHeight / 3, behavior: "smooth"})`, nil),
		chromedp.Sleep(humanPause()),
		chromedp.Evaluate(`window.scrollTo({top: 0, behavior: "smooth"})`, nil),
	); err != nil {
		log.Debug("warm-up scroll failed", "error", err)
	}

	log.Debug("session warm-up complete")
}

// acceptConsent clicks the first visible consent button, if any.
func acceptConsent(ctx context.Context) {
	for _, sel := range consentSelectors {
		clickCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := chromedp.Run(clickCtx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
		cancel()
		if err == nil {
			logger.Debug("consent accepted", "selector", sel)
			return
		}
	}
}

// benignSearch types an unrelated query into the warm-up page's search box.
func benignSearch(ctx context.Context, query string) {
	searchCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	err := chromedp.Run(searchCtx,
		chromedp.Click(`input[type="search"], input[name="search"]`, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.SendKeys(`input[type="search"], input[name="search"]`, query+"\r", chromedp.ByQuery),
		chromedp.Sleep(humanPause()),
	)
	if err != nil {
		logger.Debug("warm-up search skipped", "error", err)
	}
}

// humanPause returns a short randomized delay between warm-up actions.
func humanPause() time.Duration {
	return time.Duration(800+rand.Intn(1700)) * time.Millisecond
}
