package runner

import (
	"context"
	"math/rand"
	"time"
)

// pacer produces the randomized inter-query delay. Queries fired at machine
// cadence are a detection signal on their own, so the delay carries jitter
// and stretches after a recent failure.
type pacer struct {
	base   time.Duration
	jitter float64 // fraction of base, 0..1
	// failurePenalty multiplies the delay while a failure is recent.
	failurePenalty float64
	recentWindow   int

	lastFailureIdx int
}

func newPacer(base time.Duration) *pacer {
	if base <= 0 {
		base = 8 * time.Second
	}
	return &pacer{
		base:           base,
		jitter:         0.5,
		failurePenalty: 2.5,
		recentWindow:   3,
		lastFailureIdx: -1,
	}
}

// noteFailure records that the query at idx failed.
func (p *pacer) noteFailure(idx int) { p.lastFailureIdx = idx }

// delay returns the pause to take after completing the query at idx.
func (p *pacer) delay(idx int) time.Duration {
	d := float64(p.base)
	if p.lastFailureIdx >= 0 && idx-p.lastFailureIdx < p.recentWindow {
		d *= p.failurePenalty
	}
	// jitter in [-j/2, +j/2] of the scaled base
	d += d * p.jitter * (rand.Float64() - 0.5)
	return time.Duration(d)
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
