// Package blockdetect inspects a session's current page for known blocking
// signals: challenge redirects, CAPTCHA widget markup, and soft-block text.
// Detection runs both before and after a query is submitted, because some
// surfaces interstitially block up front and others only after a query.
package blockdetect

import (
	"strings"
)

// Detection is the outcome of one inspection pass.
type Detection struct {
	Detected  bool
	Indicator string
}

// Detector checks one blocking signal against a page snapshot. The page URL
// and content arrive lowercased.
type Detector func(pageURL, content string) (detected bool, indicator string)

// DefaultDetectors returns the standard detector list, ordered so the most
// specific signals report first.
func DefaultDetectors() []Detector {
	return []Detector{
		detectChallengeURL,
		detectCaptchaWidget,
		detectSoftBlockText,
	}
}

// Inspect runs the page snapshot through the detectors. First hit wins.
func Inspect(pageURL, content string, detectors []Detector) Detection {
	u := strings.ToLower(pageURL)
	c := strings.ToLower(content)
	for _, d := range detectors {
		if detected, indicator := d(u, c); detected {
			return Detection{Detected: true, Indicator: indicator}
		}
	}
	return Detection{}
}

// challengeURLFragments are path fragments of known "verify you are human"
// redirect targets.
var challengeURLFragments = []string{
	"/sorry/",
	"/recaptcha/",
	"challenge.cloudflare.com",
	"geo.captcha-delivery.com",
	"/anomaly/",
}

func detectChallengeURL(pageURL, _ string) (bool, string) {
	for _, frag := range challengeURLFragments {
		if strings.Contains(pageURL, frag) {
			return true, "challenge_url:" + strings.Trim(frag, "/")
		}
	}
	return false, ""
}

// widgetMarkers are markup fingerprints of challenge widgets.
var widgetMarkers = []string{
	"g-recaptcha",
	"grecaptcha.render",
	"cf-turnstile",
	"h-captcha",
	"captcha-form",
	"cf-browser-verification",
}

func detectCaptchaWidget(_, content string) (bool, string) {
	for _, marker := range widgetMarkers {
		if strings.Contains(content, marker) {
			return true, "captcha_widget:" + marker
		}
	}
	return false, ""
}

// softBlockPhrases appear on block pages that carry no challenge widget.
var softBlockPhrases = []string{
	"unusual traffic",
	"verify you are human",
	"are you a robot",
	"automated queries",
	"access denied",
	"too many requests",
	"rate limit exceeded",
	"attention required",
}

func detectSoftBlockText(_, content string) (bool, string) {
	for _, phrase := range softBlockPhrases {
		if strings.Contains(content, phrase) {
			return true, "soft_block:" + strings.ReplaceAll(phrase, " ", "_")
		}
	}
	return false, ""
}
