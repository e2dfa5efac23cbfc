package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/probelab/surveyor/internal/checkpoint"
	"github.com/probelab/surveyor/internal/identity"
	"github.com/probelab/surveyor/internal/recovery"
	"github.com/probelab/surveyor/internal/session"
	"github.com/probelab/surveyor/pkg/study"
	"github.com/probelab/surveyor/pkg/surface"
)

type step struct {
	res *surface.Result
	err error
}

type submission struct {
	query    string
	identity string
}

// fakeAdapter consumes scripted steps in call order; after the script runs
// out it succeeds. With failAll set it fails every call with that error.
type fakeAdapter struct {
	mu      sync.Mutex
	steps   []step
	failAll error
	seen    []submission
}

func (a *fakeAdapter) Submit(_ context.Context, sess surface.Session, query string, _ time.Duration) (*surface.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, submission{query: query, identity: sess.IdentityName()})
	if a.failAll != nil {
		return nil, a.failAll
	}
	if len(a.steps) == 0 {
		return &surface.Result{Text: "answer: " + query, Duration: 5 * time.Millisecond}, nil
	}
	s := a.steps[0]
	a.steps = a.steps[1:]
	return s.res, s.err
}

func (a *fakeAdapter) Name() string       { return "fake" }
func (a *fakeAdapter) Kind() surface.Kind { return surface.KindAPI }

func (a *fakeAdapter) queries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.seen))
	for i, s := range a.seen {
		out[i] = s.query
	}
	return out
}

type scriptedPrompter struct {
	decisions []recovery.OperatorDecision
	prompts   int
}

func (p *scriptedPrompter) Prompt(context.Context, string) (recovery.OperatorDecision, error) {
	p.prompts++
	if len(p.decisions) == 0 {
		return recovery.OperatorAbort, nil
	}
	d := p.decisions[0]
	p.decisions = p.decisions[1:]
	return d, nil
}

func usIdentities(names ...string) []identity.Identity {
	out := make([]identity.Identity, len(names))
	for i, n := range names {
		out[i] = identity.Identity{Name: n, Server: n + ".example.net:8080", Location: "US"}
	}
	return out
}

// newTestRunner wires a runner over HTTP sessions with no real waits and a
// verify stub that maps identity names to fixed egress IPs.
func newTestRunner(t *testing.T, cfg Config, queries []study.Query, adapter surface.Adapter, ids []identity.Identity, prompter recovery.Prompter, ips map[string]string, dir string) *Runner {
	t.Helper()
	cfg.StudyID = "st-" + strings.ReplaceAll(t.Name(), "/", "-")
	cfg.ExpectedLocation = "US"
	if cfg.RecoveryCooldown == 0 {
		cfg.RecoveryCooldown = time.Millisecond
	}
	pool, err := identity.NewPool(ids)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	mgr := session.NewManager(session.DefaultConfig())
	t.Cleanup(mgr.Close)

	r := New(cfg, queries, adapter, pool, mgr, store, Options{Prompter: prompter})
	r.wait = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	r.verify = func(_ context.Context, h *session.Handle, loc string) session.IPVerification {
		v := session.IPVerification{
			IP:         ips[h.Identity().Name],
			Country:    loc,
			Verified:   true,
			Confidence: "high",
		}
		h.VerifiedIP = &v
		return v
	}
	return r
}

func TestRunAllSuccess(t *testing.T) {
	adapter := &fakeAdapter{}
	queries := study.Queries([]string{"q0", "q1", "q2"})
	dir := t.TempDir()
	r := newTestRunner(t, Config{}, queries, adapter, usIdentities("id-a"), &scriptedPrompter{}, map[string]string{"id-a": "1.1.1.1"}, dir)

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Aborted {
		t.Fatalf("unexpected abort: %s", res.Reason)
	}
	if res.Completed != 3 || len(res.Results) != 3 {
		t.Fatalf("completed=%d results=%d, want 3/3", res.Completed, len(res.Results))
	}
	for i, qr := range res.Results {
		if !qr.Success || qr.QueryIndex != i {
			t.Errorf("result %d: success=%v index=%d", i, qr.Success, qr.QueryIndex)
		}
	}

	store, _ := checkpoint.NewStore(dir)
	cp, err := store.Load(r.cfg.StudyID)
	if err != nil || cp == nil {
		t.Fatalf("final checkpoint missing: %v", err)
	}
	if cp.QueriesCompleted != 3 {
		t.Errorf("checkpoint completed = %d, want 3", cp.QueriesCompleted)
	}
}

func TestRunEmptyQueries(t *testing.T) {
	r := newTestRunner(t, Config{}, nil, &fakeAdapter{}, usIdentities("id-a"), &scriptedPrompter{}, nil, t.TempDir())
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected validation error for empty query list")
	}
}

func TestRunResumeSkipsCompletedPrefix(t *testing.T) {
	dir := t.TempDir()
	studyID := "st-" + strings.ReplaceAll(t.Name(), "/", "-")
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	prior := []study.QueryResult{
		{QueryIndex: 0, Query: "q0", Success: true, Response: "cached-0"},
		{QueryIndex: 1, Query: "q1", Success: true, Response: "cached-1"},
	}
	if _, err := store.Save(studyID, study.Checkpoint{
		Surface:          "fake",
		CompletedResults: prior,
		QueriesCompleted: 2,
		TotalQueries:     4,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	adapter := &fakeAdapter{}
	queries := study.Queries([]string{"q0", "q1", "q2", "q3"})
	r := newTestRunner(t, Config{}, queries, adapter, usIdentities("id-a"), &scriptedPrompter{}, map[string]string{"id-a": "1.1.1.1"}, dir)

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := adapter.queries(); len(got) != 2 || got[0] != "q2" || got[1] != "q3" {
		t.Fatalf("submitted %v, want [q2 q3]", got)
	}
	if res.Completed != 4 {
		t.Fatalf("completed = %d, want 4", res.Completed)
	}
	if res.Results[0].Response != "cached-0" || res.Results[1].Response != "cached-1" {
		t.Error("carried results were rewritten on resume")
	}
}

func TestRunPerQueryFailureAdvancesWithoutRecovery(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{
		{res: &surface.Result{Text: "ok"}},
		{err: errors.New("insufficient_quota: billing hard limit reached")},
	}}
	prompter := &scriptedPrompter{}
	queries := study.Queries([]string{"q0", "q1", "q2"})
	r := newTestRunner(t, Config{MaxConsecutiveFailures: 1}, queries, adapter, usIdentities("id-a"), prompter, map[string]string{"id-a": "1.1.1.1"}, t.TempDir())

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Aborted {
		t.Fatalf("unexpected abort: %s", res.Reason)
	}
	if prompter.prompts != 0 {
		t.Error("per-query failure reached the operator prompt")
	}
	if res.Completed != 3 {
		t.Fatalf("completed = %d, want 3", res.Completed)
	}
	qr := res.Results[1]
	if qr.Success || qr.FailureCategory != study.FailureQuotaExceeded {
		t.Fatalf("result 1 = success=%v category=%s, want quota_exceeded failure", qr.Success, qr.FailureCategory)
	}
	if !res.Results[2].Success {
		t.Error("query after per-query failure did not run")
	}
}

func TestRunThresholdTriggersRecoveryAndRetriesSameIndex(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")},
	}}
	queries := study.Queries([]string{"q0", "q1", "q2"})
	ips := map[string]string{"id-a": "1.1.1.1", "id-b": "2.2.2.2"}
	r := newTestRunner(t, Config{MaxConsecutiveFailures: 2}, queries, adapter, usIdentities("id-a", "id-b"), &scriptedPrompter{}, ips, t.TempDir())

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Aborted {
		t.Fatalf("unexpected abort: %s", res.Reason)
	}

	// q0 fails and is recorded; q1's failure crosses the threshold, rotates
	// to id-b, and q1 is retried rather than skipped.
	want := []submission{
		{"q0", "id-a"},
		{"q1", "id-a"},
		{"q1", "id-b"},
		{"q2", "id-b"},
	}
	adapter.mu.Lock()
	seen := adapter.seen
	adapter.mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("submissions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("submission %d = %v, want %v", i, seen[i], want[i])
		}
	}

	if res.Results[0].Success || res.Results[0].FailureCategory != study.FailureServiceUnavailable {
		t.Errorf("result 0 = %+v, want recorded service_unavailable failure", res.Results[0])
	}
	if !res.Results[1].Success || !res.Results[2].Success {
		t.Error("queries after recovery did not succeed")
	}
}

func TestRunBlockedRotatesImmediately(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{
		{err: surface.ErrBlocked},
	}}
	queries := study.Queries([]string{"q0", "q1"})
	ips := map[string]string{"id-a": "1.1.1.1", "id-b": "2.2.2.2"}
	r := newTestRunner(t, Config{MaxConsecutiveFailures: 5}, queries, adapter, usIdentities("id-a", "id-b"), &scriptedPrompter{}, ips, t.TempDir())

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Aborted {
		t.Fatalf("unexpected abort: %s", res.Reason)
	}

	// A block never burns the retry budget on the same identity: the first
	// failure already rotates, well below MaxConsecutiveFailures.
	adapter.mu.Lock()
	seen := adapter.seen
	adapter.mu.Unlock()
	if len(seen) != 3 || seen[1].identity != "id-b" {
		t.Fatalf("submissions = %v, want q0 retried on id-b", seen)
	}
	if !res.Results[0].Success {
		t.Error("blocked query was not retried to success")
	}
}

func TestRunOperatorSkipRemainder(t *testing.T) {
	adapter := &fakeAdapter{failAll: surface.ErrBlocked}
	prompter := &scriptedPrompter{decisions: []recovery.OperatorDecision{recovery.OperatorSkipRemainder}}
	queries := study.Queries([]string{"q0", "q1", "q2"})
	// Pool of one: rotation cannot change the egress IP, so the episode
	// lands on the operator.
	r := newTestRunner(t, Config{}, queries, adapter, usIdentities("id-a"), prompter, map[string]string{"id-a": "1.1.1.1"}, t.TempDir())

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Aborted {
		t.Fatalf("skip remainder must not abort: %s", res.Reason)
	}
	if prompter.prompts != 1 {
		t.Fatalf("prompts = %d, want 1", prompter.prompts)
	}
	if res.Completed != 3 || len(res.Results) != 3 {
		t.Fatalf("completed=%d results=%d, want every index present", res.Completed, len(res.Results))
	}
	for i, qr := range res.Results {
		if qr.Success {
			t.Errorf("result %d marked success after operator skip", i)
		}
		if !strings.Contains(qr.Error, "skipped") {
			t.Errorf("result %d error = %q, want skip marker", i, qr.Error)
		}
	}
}

func TestRunOperatorAbort(t *testing.T) {
	adapter := &fakeAdapter{failAll: surface.ErrBlocked}
	prompter := &scriptedPrompter{decisions: []recovery.OperatorDecision{recovery.OperatorAbort}}
	queries := study.Queries([]string{"q0", "q1"})
	dir := t.TempDir()
	r := newTestRunner(t, Config{}, queries, adapter, usIdentities("id-a"), prompter, map[string]string{"id-a": "1.1.1.1"}, dir)

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Aborted || !strings.Contains(res.Reason, "operator") {
		t.Fatalf("aborted=%v reason=%q, want operator abort", res.Aborted, res.Reason)
	}

	store, _ := checkpoint.NewStore(dir)
	cp, err := store.Load(r.cfg.StudyID)
	if err != nil || cp == nil {
		t.Fatalf("abort checkpoint missing: %v", err)
	}
	if !cp.Aborted || cp.AbortReason == "" {
		t.Errorf("checkpoint aborted=%v reason=%q, want abort recorded", cp.Aborted, cp.AbortReason)
	}
}

func TestRunRecoveryBudgetExhaustedAborts(t *testing.T) {
	adapter := &fakeAdapter{failAll: surface.ErrBlocked}
	queries := study.Queries([]string{"q0"})
	ips := map[string]string{"id-a": "1.1.1.1", "id-b": "2.2.2.2"}
	r := newTestRunner(t, Config{MaxRecoveryAttempts: 1}, queries, adapter, usIdentities("id-a", "id-b"), &scriptedPrompter{}, ips, t.TempDir())

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Aborted || !strings.Contains(res.Reason, "exhausted") {
		t.Fatalf("aborted=%v reason=%q, want attempts-exhausted abort", res.Aborted, res.Reason)
	}
	if res.Completed != 0 {
		t.Errorf("completed = %d, want 0", res.Completed)
	}
}

func TestRunCancelledBetweenQueries(t *testing.T) {
	adapter := &fakeAdapter{}
	queries := study.Queries([]string{"q0", "q1", "q2"})
	r := newTestRunner(t, Config{}, queries, adapter, usIdentities("id-a"), &scriptedPrompter{}, map[string]string{"id-a": "1.1.1.1"}, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r.wait = func(context.Context, time.Duration) bool {
		calls++
		cancel()
		return false
	}

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Aborted || !strings.Contains(res.Reason, "cancelled") {
		t.Fatalf("aborted=%v reason=%q, want cancellation abort", res.Aborted, res.Reason)
	}
	if res.Completed != 1 {
		t.Errorf("completed = %d, want the one query finished before cancel", res.Completed)
	}
	if calls != 1 {
		t.Errorf("wait calls = %d, want 1", calls)
	}
}

func TestCompletedPrefix(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
		want    int
	}{
		{"empty", nil, 0},
		{"contiguous", []int{0, 1, 2}, 3},
		{"gap", []int{0, 2}, 1},
		{"missing zero", []int{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rs []study.QueryResult
			for _, i := range tt.indices {
				rs = append(rs, study.QueryResult{QueryIndex: i})
			}
			if got := completedPrefix(rs); got != tt.want {
				t.Errorf("completedPrefix = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSetResultReplacesSameIndex(t *testing.T) {
	rs := []study.QueryResult{{QueryIndex: 0, Error: "first"}}
	rs = setResult(rs, study.QueryResult{QueryIndex: 0, Success: true})
	rs = setResult(rs, study.QueryResult{QueryIndex: 1, Success: true})
	if len(rs) != 2 {
		t.Fatalf("len = %d, want 2", len(rs))
	}
	if !rs[0].Success || rs[0].Error != "" {
		t.Error("later attempt did not replace earlier one")
	}
}
