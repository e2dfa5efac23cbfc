// Package ddg implements the DuckDuckGo HTML surface as an API adapter. The
// html.duckduckgo.com endpoint serves results without JavaScript, so a plain
// HTTP fetch through the session's egress path is enough.
package ddg

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/probelab/surveyor/pkg/surface"
)

func init() {
	surface.Register("ddg", func(cfg surface.Config) (surface.Adapter, error) {
		return New(cfg)
	})
}

const (
	endpoint   = "https://html.duckduckgo.com/html/"
	maxOrganic = 10
	userAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// anomalyMarkers signal DuckDuckGo's bot interstitial.
var anomalyMarkers = []string{
	"anomaly-modal",
	"unfortunately, bots use duckduckgo too",
	"if this persists, please",
}

// Surface queries the DuckDuckGo HTML endpoint.
type Surface struct{}

// New creates the adapter. DuckDuckGo takes no API configuration.
func New(_ surface.Config) (*Surface, error) {
	return &Surface{}, nil
}

// Submit fetches the results page for the query and parses organic results.
// The collector reuses the session's HTTP transport so the egress identity's
// proxy applies.
func (s *Surface) Submit(ctx context.Context, sess surface.Session, query string, timeout time.Duration) (*surface.Result, error) {
	start := time.Now()

	c := colly.NewCollector(colly.UserAgent(userAgent))
	c.SetRequestTimeout(timeout)
	if client, ok := sess.HTTPClient(); ok {
		if transport := client.GetClient().Transport; transport != nil {
			c.WithTransport(transport)
		}
	}

	var body []byte
	var status int
	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
			body = r.Body
		}
		fetchErr = err
	})

	target := endpoint + "?" + url.Values{"q": {query}}.Encode()
	if err := c.Visit(target); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", surface.ErrTransport, err)
	}
	if status == 403 || status == 429 {
		return nil, fmt.Errorf("%w: status %d", surface.ErrBlocked, status)
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: %v", surface.ErrTransport, fetchErr)
	}

	lower := strings.ToLower(string(body))
	for _, marker := range anomalyMarkers {
		if strings.Contains(lower, marker) {
			return nil, fmt.Errorf("%w: anomaly page (%s)", surface.ErrBlocked, marker)
		}
	}

	organic, text, err := parseResults(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", surface.ErrEmptyResponse, err)
	}
	if len(organic) == 0 {
		return nil, fmt.Errorf("%w: no results parsed", surface.ErrEmptyResponse)
	}

	return &surface.Result{
		Text:     text,
		Duration: time.Since(start),
		Organic:  organic,
	}, nil
}

// parseResults extracts ranked results from the HTML endpoint's markup.
func parseResults(body []byte) ([]surface.Organic, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}

	var organic []surface.Organic
	doc.Find("div.result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		if title == "" || href == "" {
			return true
		}
		organic = append(organic, surface.Organic{
			Rank:  len(organic) + 1,
			Title: title,
			URL:   resolveRedirect(href),
		})
		return len(organic) < maxOrganic
	})

	var lines []string
	for _, o := range organic {
		lines = append(lines, fmt.Sprintf("%d. %s\n%s", o.Rank, o.Title, o.URL))
	}
	return organic, strings.Join(lines, "\n\n"), nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// Name returns the surface identifier.
func (s *Surface) Name() string { return "ddg" }

// Kind reports this is a stateless API adapter.
func (s *Surface) Kind() surface.Kind { return surface.KindAPI }
