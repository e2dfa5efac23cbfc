// Package recovery implements the bounded state machine that decides, after
// repeated failures, whether to rotate the egress identity, hand control to a
// human operator, or abort the study.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/probelab/surveyor/internal/identity"
	"github.com/probelab/surveyor/internal/logger"
)

// State of the controller.
type State string

const (
	StateRunning          State = "running"
	StateRecovering       State = "recovering"
	StateAwaitingOperator State = "awaiting_operator"
	StateAborted          State = "aborted"
)

// Outcome of one recovery episode.
type Outcome int

const (
	// OutcomeResumed means a fresh session is live; retry the same query.
	OutcomeResumed Outcome = iota
	// OutcomeSkipRemainder means the operator asked to finish without the
	// remaining queries.
	OutcomeSkipRemainder
	// OutcomeAborted is terminal.
	OutcomeAborted
)

// Rotator opens a replacement session for an identity: close the current
// session, open a new one with warm-up, and verify its egress IP. The
// returned IP is empty when verification degraded.
type Rotator interface {
	Rotate(ctx context.Context, id identity.Identity) (verifiedIP string, err error)
}

// Config bounds the controller.
type Config struct {
	Location    string
	MaxAttempts int
	// Cooldown delays the return to running after a successful rotation,
	// to let the surface's suspicion decay.
	Cooldown time.Duration
}

// Controller tracks recovery state for one surface worker. Not safe for
// concurrent use; each worker owns its own controller.
type Controller struct {
	cfg      Config
	pool     *identity.Pool
	rotator  Rotator
	prompter Prompter

	state    State
	attempts int
	current  identity.Identity
}

// NewController creates a controller starting in the running state with the
// given initial identity.
func NewController(cfg Config, pool *identity.Pool, rotator Rotator, prompter Prompter, initial identity.Identity) *Controller {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		pool:     pool,
		rotator:  rotator,
		prompter: prompter,
		state:    StateRunning,
		current:  initial,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// Attempts returns the number of recovery attempts consumed so far.
func (c *Controller) Attempts() int { return c.attempts }

// Identity returns the identity the current session is bound to.
func (c *Controller) Identity() identity.Identity { return c.current }

// Recover runs one recovery episode. previousIP is the verified IP of the
// failing session, used to detect rotations that did not actually change the
// egress address. On OutcomeResumed the caller retries the same query index
// with the session the rotator installed.
func (c *Controller) Recover(ctx context.Context, previousIP string) (Outcome, string) {
	c.state = StateRecovering
	logger.Info("entering recovery",
		"identity", c.current.Name,
		"attempts_used", c.attempts,
		"max_attempts", c.cfg.MaxAttempts)

	c.pool.MarkBlocked(c.current)

	tried := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			c.state = StateAborted
			return OutcomeAborted, "cancelled during recovery"
		}

		candidate := c.pool.Acquire(c.cfg.Location)
		if tried[candidate.Name] {
			// Every identity in the pool failed this episode, including
			// after the exhaustion reset. The pool cannot help; ask a human.
			outcome, reason, retry := c.awaitOperator(ctx)
			if !retry {
				return outcome, reason
			}
			tried = map[string]bool{}
			continue
		}
		tried[candidate.Name] = true

		if c.attempts >= c.cfg.MaxAttempts {
			c.state = StateAborted
			reason := fmt.Sprintf("recovery attempts exhausted (%d)", c.attempts)
			logger.Error("recovery aborted", "reason", reason)
			return OutcomeAborted, reason
		}
		c.attempts++

		newIP, err := c.rotator.Rotate(ctx, candidate)
		if err != nil {
			logger.Warn("rotation failed",
				"identity", candidate.Name, "error", err)
			c.pool.MarkBlocked(candidate)
			continue
		}

		if newIP != "" && newIP == previousIP {
			// The proxy did not grant a new address; this identity cannot
			// help either.
			logger.Warn("rotation kept the same egress ip",
				"identity", candidate.Name, "ip", newIP)
			c.pool.MarkBlocked(candidate)
			continue
		}

		c.current = candidate
		if !c.sleepCooldown(ctx) {
			c.state = StateAborted
			return OutcomeAborted, "cancelled during recovery cooldown"
		}
		c.state = StateRunning
		logger.Info("recovery complete, resuming",
			"identity", candidate.Name,
			"ip", newIP,
			"attempts_used", c.attempts)
		return OutcomeResumed, ""
	}
}

// awaitOperator blocks on the operator prompt. retry is true when the
// operator confirmed continuation and the episode should try the pool again.
func (c *Controller) awaitOperator(ctx context.Context) (outcome Outcome, reason string, retry bool) {
	c.state = StateAwaitingOperator
	logger.Warn("identity pool unavailable, awaiting operator")

	decision, err := c.prompter.Prompt(ctx,
		"all egress identities are blocked; change network conditions, then choose")
	if err != nil {
		c.state = StateAborted
		return OutcomeAborted, fmt.Sprintf("operator prompt failed: %v", err), false
	}

	switch decision {
	case OperatorContinue:
		logger.Info("operator confirmed continuation")
		return 0, "", true
	case OperatorSkipRemainder:
		c.state = StateRunning
		return OutcomeSkipRemainder, "remaining queries skipped by operator", false
	default:
		c.state = StateAborted
		return OutcomeAborted, "aborted by operator", false
	}
}

func (c *Controller) sleepCooldown(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.Cooldown):
		return true
	}
}
