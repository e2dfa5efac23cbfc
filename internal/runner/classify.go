package runner

import (
	"context"
	"errors"
	"strings"

	"github.com/probelab/surveyor/pkg/study"
	"github.com/probelab/surveyor/pkg/surface"
)

// classifyRule maps error-text patterns to a failure category. Rules are
// evaluated in order; the first match wins, so more specific patterns sit
// above generic ones.
type classifyRule struct {
	category study.FailureCategory
	patterns []string
}

var classifyRules = []classifyRule{
	{study.FailureQuotaExceeded, []string{"quota", "billing", "insufficient_quota", "credit"}},
	{study.FailureRateLimit, []string{"rate limit", "rate_limit", "429", "too many requests", "throttl"}},
	{study.FailureAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication"}},
	{study.FailureContentPolicy, []string{"content policy", "content_policy", "safety", "refusal", "flagged"}},
	{study.FailureServiceUnavailable, []string{"503", "502", "service unavailable", "bad gateway", "overloaded"}},
	{study.FailureSessionExpired, []string{"session expired", "session invalid", "logged out", "target closed", "context canceled: browser"}},
	{study.FailureCaptchaRequired, []string{"captcha", "challenge", "unusual traffic", "blocked"}},
	{study.FailureTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{study.FailureNetwork, []string{"connection refused", "connection reset", "no such host", "network", "eof", "broken pipe", "proxy"}},
	{study.FailureInvalidResponse, []string{"empty response", "invalid response", "unmarshal", "unexpected format", "no choices"}},
}

// Classify derives the failure category for an error. Typed surface errors
// decide first; everything else goes through the ordered pattern table.
func Classify(err error) study.FailureCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, surface.ErrBlocked):
		return study.FailureCaptchaRequired
	case errors.Is(err, surface.ErrEmptyResponse):
		return study.FailureInvalidResponse
	case errors.Is(err, context.DeadlineExceeded):
		return study.FailureTimeout
	case errors.Is(err, surface.ErrTransport):
		// Transport errors still go through the table: a wrapped timeout
		// or refused connection carries its own, more specific category.
		if cat := matchPatterns(err.Error()); cat != study.FailureUnknown {
			return cat
		}
		return study.FailureNetwork
	}

	return matchPatterns(err.Error())
}

func matchPatterns(msg string) study.FailureCategory {
	msg = strings.ToLower(msg)
	for _, rule := range classifyRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.category
			}
		}
	}
	return study.FailureUnknown
}
