// Package googleserp implements the Google search surface as a session
// adapter. Queries are typed into a live controlled-browser session so that
// cookies, consent state, and challenge tokens carry across queries.
package googleserp

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/pkg/surface"
)

func init() {
	surface.Register("google", func(cfg surface.Config) (surface.Adapter, error) {
		return New(cfg)
	})
}

const (
	homeURL     = "https://www.google.com"
	searchInput = `textarea[name="q"], input[name="q"]`
	resultsSel  = `#search`
	maxOrganic  = 10
)

// blockMarkers are page signals that Google has challenged the session.
// The block detector runs a wider net; these catch the submit-time case
// where the challenge replaces the results page outright.
var blockMarkers = []string{
	"/sorry/index",
	"g-recaptcha",
	"unusual traffic from your computer network",
	"captcha-form",
}

// Surface drives Google search through a browser session.
type Surface struct{}

// New creates the adapter. Google takes no API configuration.
func New(_ surface.Config) (*Surface, error) {
	return &Surface{}, nil
}

// Submit types the query into the search box with human-ish keystroke pacing,
// waits for the results container, and parses organic results.
func (s *Surface) Submit(ctx context.Context, sess surface.Session, query string, timeout time.Duration) (*surface.Result, error) {
	browserCtx, ok := sess.BrowserContext()
	if !ok {
		return nil, fmt.Errorf("google surface requires a browser session")
	}

	start := time.Now()

	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	// Reaching the homepage fresh each query keeps URL state predictable
	// and mirrors how a person re-searches.
	var currentURL string
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(homeURL),
		chromedp.WaitVisible("body"),
		chromedp.Location(&currentURL),
	); err != nil {
		return nil, fmt.Errorf("%w: navigate: %v", surface.ErrTransport, err)
	}
	if blocked(currentURL, "") {
		return nil, fmt.Errorf("%w: challenge on homepage", surface.ErrBlocked)
	}

	if err := typeQuery(runCtx, query); err != nil {
		return nil, fmt.Errorf("%w: submit query: %v", surface.ErrTransport, err)
	}

	var html string
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(resultsSel, chromedp.ByQuery),
		chromedp.Location(&currentURL),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		// A challenge page has no results container; distinguish it from a
		// plain timeout before reporting.
		var pageURL, pageHTML string
		if snapErr := chromedp.Run(browserCtx,
			chromedp.Location(&pageURL),
			chromedp.OuterHTML("html", &pageHTML),
		); snapErr == nil && blocked(pageURL, pageHTML) {
			return nil, fmt.Errorf("%w: challenge after submit", surface.ErrBlocked)
		}
		return nil, fmt.Errorf("%w: results did not load: %v", surface.ErrTransport, err)
	}

	if blocked(currentURL, html) {
		return nil, fmt.Errorf("%w: challenge in results page", surface.ErrBlocked)
	}

	organic, text, err := parseResults(html)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", surface.ErrEmptyResponse, err)
	}
	if len(organic) == 0 {
		return nil, fmt.Errorf("%w: no organic results parsed", surface.ErrEmptyResponse)
	}

	logger.Debug("google query complete",
		"identity", sess.IdentityName(),
		"organic_count", len(organic))

	return &surface.Result{
		Text:     text,
		Duration: time.Since(start),
		Organic:  organic,
	}, nil
}

// typeQuery clears the search box and types the query one keystroke group at
// a time with randomized delays, then presses Enter.
func typeQuery(ctx context.Context, query string) error {
	actions := []chromedp.Action{
		chromedp.WaitVisible(searchInput, chromedp.ByQuery),
		chromedp.Click(searchInput, chromedp.ByQuery),
	}
	for _, word := range strings.Split(query, " ") {
		actions = append(actions,
			chromedp.SendKeys(searchInput, word+" ", chromedp.ByQuery),
			chromedp.Sleep(time.Duration(60+rand.Intn(140))*time.Millisecond),
		)
	}
	actions = append(actions, chromedp.SendKeys(searchInput, "\r", chromedp.ByQuery))
	return chromedp.Run(ctx, actions...)
}

// parseResults extracts organic results and a text rendering of the SERP.
func parseResults(html string) ([]surface.Organic, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, "", err
	}

	var organic []surface.Organic
	doc.Find("div.g").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Find("h3").First().Text())
		href, _ := sel.Find("a[href]").First().Attr("href")
		if title == "" || href == "" {
			return true
		}
		if u, err := url.Parse(href); err != nil || !u.IsAbs() {
			return true
		}
		organic = append(organic, surface.Organic{
			Rank:  len(organic) + 1,
			Title: title,
			URL:   href,
		})
		return len(organic) < maxOrganic
	})

	var lines []string
	for _, o := range organic {
		lines = append(lines, fmt.Sprintf("%d. %s\n%s", o.Rank, o.Title, o.URL))
	}
	return organic, strings.Join(lines, "\n\n"), nil
}

// blocked checks a URL and page content against the submit-time markers.
func blocked(pageURL, html string) bool {
	u := strings.ToLower(pageURL)
	h := strings.ToLower(html)
	for _, marker := range blockMarkers {
		if strings.Contains(u, marker) || (h != "" && strings.Contains(h, marker)) {
			return true
		}
	}
	return false
}

// Name returns the surface identifier.
func (s *Surface) Name() string { return "google" }

// Kind reports this adapter needs a live browser session.
func (s *Surface) Kind() surface.Kind { return surface.KindSession }
