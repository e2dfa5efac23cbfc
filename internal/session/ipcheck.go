package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/probelab/surveyor/internal/logger"
)

// ipLookupURL serves a JSON document describing the caller's egress IP.
// Overridable for tests.
var ipLookupURL = "http://ip-api.com/json"

// IPVerification is the outcome of an egress IP check. A mismatch is a
// signal, not an error: callers decide whether to rotate.
type IPVerification struct {
	IP         string `json:"ip"`
	Country    string `json:"country"`
	Region     string `json:"region"`
	Verified   bool   `json:"verified"`
	Confidence string `json:"confidence"` // "high" when looked up, "unknown" when the lookup failed
}

type ipLookupResponse struct {
	Query       string `json:"query"`
	CountryCode string `json:"countryCode"`
	Region      string `json:"region"`
}

// VerifyIP checks the session's true egress IP and location against the
// study's expected location. The lookup goes through the session's own
// network path so a proxy misconfiguration shows up here. Lookup failure
// degrades to Verified=false with unknown confidence; it never errors.
func VerifyIP(ctx context.Context, h *Handle, expectedLocation string) IPVerification {
	body, err := h.lookupIP(ctx)
	if err != nil {
		logger.Warn("ip lookup failed, verification degraded",
			"identity", h.IdentityName(), "error", err)
		v := IPVerification{Confidence: "unknown"}
		h.VerifiedIP = &v
		return v
	}

	v := evaluateIP(body, expectedLocation)
	h.VerifiedIP = &v

	logger.Info("egress ip verified",
		"identity", h.IdentityName(),
		"ip", v.IP,
		"country", v.Country,
		"expected", expectedLocation,
		"verified", v.Verified)
	return v
}

// lookupIP fetches the lookup document through the session's network path.
func (h *Handle) lookupIP(ctx context.Context) (string, error) {
	if h.browserCtx != nil {
		lookupCtx, cancel := context.WithTimeout(h.browserCtx, 20*time.Second)
		defer cancel()

		var body string
		err := chromedp.Run(lookupCtx,
			chromedp.Navigate(ipLookupURL),
			chromedp.Text("body", &body, chromedp.ByQuery),
		)
		return body, err
	}

	client, _ := h.HTTPClient()
	resp, err := client.R().SetContext(ctx).Get(ipLookupURL)
	if err != nil {
		return "", err
	}
	return string(resp.Body()), nil
}

// evaluateIP parses a lookup document and compares it to the expected
// location. Composite locations like "US-CA" compare the region as well.
func evaluateIP(body, expectedLocation string) IPVerification {
	var parsed ipLookupResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &parsed); err != nil || parsed.Query == "" {
		return IPVerification{Confidence: "unknown"}
	}

	v := IPVerification{
		IP:         parsed.Query,
		Country:    parsed.CountryCode,
		Region:     parsed.Region,
		Confidence: "high",
	}

	wantCountry, wantRegion, hasRegion := splitLocation(expectedLocation)
	v.Verified = strings.EqualFold(parsed.CountryCode, wantCountry)
	if v.Verified && hasRegion {
		v.Verified = strings.EqualFold(parsed.Region, wantRegion)
	}
	return v
}

func splitLocation(location string) (country, region string, hasRegion bool) {
	country, region, hasRegion = strings.Cut(location, "-")
	return country, region, hasRegion
}
