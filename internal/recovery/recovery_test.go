package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/probelab/surveyor/internal/identity"
)

// fakeRotator scripts per-identity rotation results.
type fakeRotator struct {
	ips     map[string]string // identity name -> verified ip after rotation
	errs    map[string]error
	rotated []string
}

func (f *fakeRotator) Rotate(_ context.Context, id identity.Identity) (string, error) {
	f.rotated = append(f.rotated, id.Name)
	if err := f.errs[id.Name]; err != nil {
		return "", err
	}
	return f.ips[id.Name], nil
}

// scriptedPrompter returns queued decisions.
type scriptedPrompter struct {
	decisions []OperatorDecision
	prompts   int
}

func (s *scriptedPrompter) Prompt(context.Context, string) (OperatorDecision, error) {
	s.prompts++
	if len(s.decisions) == 0 {
		return OperatorAbort, nil
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, nil
}

func newTestController(t *testing.T, ids []identity.Identity, rot Rotator, prm Prompter, maxAttempts int) *Controller {
	t.Helper()
	pool, err := identity.NewPool(ids)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Location: "US", MaxAttempts: maxAttempts, Cooldown: time.Millisecond}
	return NewController(cfg, pool, rot, prm, ids[0])
}

func usIdentities(names ...string) []identity.Identity {
	out := make([]identity.Identity, len(names))
	for i, n := range names {
		out[i] = identity.Identity{Name: n, Server: "p.example.com:8080", Location: "US"}
	}
	return out
}

func TestRecover_RotatesToFreshIdentity(t *testing.T) {
	rot := &fakeRotator{ips: map[string]string{"us-2": "10.0.0.2"}}
	c := newTestController(t, usIdentities("us-1", "us-2"), rot, &scriptedPrompter{}, 3)

	outcome, _ := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeResumed {
		t.Fatalf("outcome = %v, want OutcomeResumed", outcome)
	}
	if c.State() != StateRunning {
		t.Errorf("state = %s, want running", c.State())
	}
	if c.Identity().Name != "us-2" {
		t.Errorf("current identity = %s, want us-2", c.Identity().Name)
	}
	if c.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", c.Attempts())
	}
}

func TestRecover_UnchangedIPBlocksIdentity(t *testing.T) {
	// us-2 rotates but keeps the old IP; us-3 gets a fresh one.
	rot := &fakeRotator{ips: map[string]string{"us-2": "10.0.0.1", "us-3": "10.0.0.3"}}
	c := newTestController(t, usIdentities("us-1", "us-2", "us-3"), rot, &scriptedPrompter{}, 5)

	outcome, _ := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeResumed {
		t.Fatalf("outcome = %v, want OutcomeResumed", outcome)
	}
	if c.Identity().Name != "us-3" {
		t.Errorf("current identity = %s, want us-3", c.Identity().Name)
	}
	if c.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2 (us-2 unchanged-ip consumed one)", c.Attempts())
	}
}

func TestRecover_RotationErrorTriesNext(t *testing.T) {
	rot := &fakeRotator{
		errs: map[string]error{"us-2": errors.New("browser failed to start")},
		ips:  map[string]string{"us-3": "10.0.0.3"},
	}
	c := newTestController(t, usIdentities("us-1", "us-2", "us-3"), rot, &scriptedPrompter{}, 5)

	outcome, _ := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeResumed {
		t.Fatalf("outcome = %v, want OutcomeResumed", outcome)
	}
	if len(rot.rotated) != 2 {
		t.Errorf("rotated %v, want [us-2 us-3]", rot.rotated)
	}
}

func TestRecover_PoolOfOne_UnchangedIP_ThenOperatorAbort(t *testing.T) {
	// Single identity for the location: the exhaustion reset hands it back,
	// the IP does not change, and the episode must fall through to the
	// operator rather than loop.
	rot := &fakeRotator{ips: map[string]string{"us-1": "10.0.0.1"}}
	prm := &scriptedPrompter{decisions: []OperatorDecision{OperatorAbort}}
	c := newTestController(t, usIdentities("us-1"), rot, prm, 2)

	outcome, reason := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeAborted {
		t.Fatalf("outcome = %v, want OutcomeAborted", outcome)
	}
	if c.State() != StateAborted {
		t.Errorf("state = %s, want aborted", c.State())
	}
	if c.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", c.Attempts())
	}
	if prm.prompts != 1 {
		t.Errorf("operator prompted %d times, want 1", prm.prompts)
	}
	if !strings.Contains(reason, "operator") {
		t.Errorf("reason = %q, want operator abort reason", reason)
	}
}

func TestRecover_OperatorSkipRemainder(t *testing.T) {
	rot := &fakeRotator{ips: map[string]string{"us-1": "10.0.0.1"}}
	prm := &scriptedPrompter{decisions: []OperatorDecision{OperatorSkipRemainder}}
	c := newTestController(t, usIdentities("us-1"), rot, prm, 2)

	outcome, _ := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeSkipRemainder {
		t.Fatalf("outcome = %v, want OutcomeSkipRemainder", outcome)
	}
}

// sequenceRotator returns one scripted IP per rotation, in order.
type sequenceRotator struct {
	ips []string
	n   int
}

func (s *sequenceRotator) Rotate(context.Context, identity.Identity) (string, error) {
	ip := s.ips[s.n%len(s.ips)]
	s.n++
	return ip, nil
}

func TestRecover_OperatorContinueRetriesPool(t *testing.T) {
	// First rotation keeps the old IP; after the operator confirms that
	// conditions changed, the next rotation gets a fresh address.
	rot := &sequenceRotator{ips: []string{"10.0.0.1", "10.0.0.9"}}
	prm := &scriptedPrompter{decisions: []OperatorDecision{OperatorContinue}}
	c := newTestController(t, usIdentities("us-1"), rot, prm, 5)

	outcome, _ := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeResumed {
		t.Fatalf("outcome = %v, want OutcomeResumed after operator continue", outcome)
	}
	if prm.prompts != 1 {
		t.Errorf("operator prompted %d times, want 1", prm.prompts)
	}
	if rot.n != 2 {
		t.Errorf("rotations = %d, want 2", rot.n)
	}
}

func TestRecover_AttemptsExhaustedForcesAbort(t *testing.T) {
	// Both identities rotate into the same old IP, consuming attempts until
	// the bound forces an abort regardless of the pool.
	rot := &fakeRotator{ips: map[string]string{"us-2": "10.0.0.1", "us-3": "10.0.0.1"}}
	c := newTestController(t, usIdentities("us-1", "us-2", "us-3"), rot, &scriptedPrompter{}, 2)

	outcome, reason := c.Recover(context.Background(), "10.0.0.1")

	if outcome != OutcomeAborted {
		t.Fatalf("outcome = %v, want OutcomeAborted", outcome)
	}
	if c.Attempts() != 2 {
		t.Errorf("attempts = %d, must never exceed max 2", c.Attempts())
	}
	if !strings.Contains(reason, "exhausted") {
		t.Errorf("reason = %q, want attempts-exhausted reason", reason)
	}
}

func TestRecover_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rot := &fakeRotator{}
	c := newTestController(t, usIdentities("us-1", "us-2"), rot, &scriptedPrompter{}, 3)

	outcome, _ := c.Recover(ctx, "10.0.0.1")
	if outcome != OutcomeAborted {
		t.Errorf("outcome = %v, want OutcomeAborted on cancelled ctx", outcome)
	}
}
