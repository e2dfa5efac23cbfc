// Package captcha resolves detected challenges through a third-party solving
// service and injects the solution token back into the session's page.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/probelab/surveyor/internal/logger"
)

// Solver service errors.
var (
	// ErrNoAPIKey indicates no solver credential is configured.
	ErrNoAPIKey = errors.New("no captcha solver API key configured")
	// ErrPollBudgetExceeded indicates the solution did not arrive within the
	// poll budget.
	ErrPollBudgetExceeded = errors.New("captcha poll budget exceeded")
	// ErrSolverRejected indicates the service refused or failed the task.
	ErrSolverRejected = errors.New("captcha solver rejected the task")
)

const (
	defaultBaseURL  = "https://2captcha.com"
	pollInterval    = 5 * time.Second
	maxPollAttempts = 24
	notReadyMarker  = "CAPCHA_NOT_READY"
)

// SolverClient talks a 2captcha-compatible protocol: submit the site key,
// then poll for the solution token.
type SolverClient struct {
	apiKey string
	http   *resty.Client

	pollInterval time.Duration
	maxAttempts  int
}

// NewSolverClient creates a client. baseURL is optional and defaults to the
// 2captcha endpoint; apiKey may be empty, in which case Solve fails fast with
// ErrNoAPIKey.
func NewSolverClient(apiKey, baseURL string) *SolverClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &SolverClient{
		apiKey:       apiKey,
		http:         resty.New().SetBaseURL(baseURL).SetTimeout(30 * time.Second),
		pollInterval: pollInterval,
		maxAttempts:  maxPollAttempts,
	}
}

// Configured reports whether a solver credential is present.
func (c *SolverClient) Configured() bool { return c.apiKey != "" }

type solverResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits a reCAPTCHA task and polls until the token is ready, the
// poll budget runs out, or ctx is cancelled.
func (c *SolverClient) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	if !c.Configured() {
		return "", ErrNoAPIKey
	}

	taskID, err := c.submit(ctx, siteKey, pageURL)
	if err != nil {
		return "", err
	}
	logger.Debug("captcha task submitted", "task_id", taskID)

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}

		token, ready, err := c.poll(ctx, taskID)
		if err != nil {
			return "", err
		}
		if ready {
			logger.Info("captcha solved", "task_id", taskID, "attempts", attempt+1)
			return token, nil
		}
	}

	return "", ErrPollBudgetExceeded
}

func (c *SolverClient) submit(ctx context.Context, siteKey, pageURL string) (string, error) {
	var out solverResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":       c.apiKey,
			"method":    "userrecaptcha",
			"googlekey": siteKey,
			"pageurl":   pageURL,
			"json":      "1",
		}).
		SetResult(&out).
		Get("/in.php")
	if err != nil {
		return "", fmt.Errorf("captcha submit: %w", err)
	}
	if resp.IsError() || out.Status != 1 {
		return "", fmt.Errorf("%w: %s", ErrSolverRejected, out.Request)
	}
	return out.Request, nil
}

func (c *SolverClient) poll(ctx context.Context, taskID string) (token string, ready bool, err error) {
	var out solverResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":    c.apiKey,
			"action": "get",
			"id":     taskID,
			"json":   "1",
		}).
		SetResult(&out).
		Get("/res.php")
	if err != nil {
		return "", false, fmt.Errorf("captcha poll: %w", err)
	}
	if resp.IsError() {
		return "", false, fmt.Errorf("%w: poll status %d", ErrSolverRejected, resp.StatusCode())
	}
	if out.Status == 1 {
		return out.Request, true, nil
	}
	if out.Request == notReadyMarker {
		return "", false, nil
	}
	return "", false, fmt.Errorf("%w: %s", ErrSolverRejected, out.Request)
}
