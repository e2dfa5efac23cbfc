// Package runner drives one ordered query list against one surface to
// completion or abort: session lifecycle, block handling, failure
// classification, bounded recovery, and crash-safe checkpointing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/probelab/surveyor/internal/blockdetect"
	"github.com/probelab/surveyor/internal/captcha"
	"github.com/probelab/surveyor/internal/checkpoint"
	"github.com/probelab/surveyor/internal/identity"
	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/internal/metrics"
	"github.com/probelab/surveyor/internal/recovery"
	"github.com/probelab/surveyor/internal/session"
	"github.com/probelab/surveyor/pkg/study"
	"github.com/probelab/surveyor/pkg/surface"
)

// Config parametrizes one study run. Created once per run, never mutated.
type Config struct {
	StudyID string
	// CheckpointKey scopes checkpoint files. Defaults to StudyID; set it
	// when several surfaces run the same study concurrently so they do
	// not share a resume offset.
	CheckpointKey          string
	ExpectedLocation       string
	QueryTimeout           time.Duration
	MaxConsecutiveFailures int
	MaxRecoveryAttempts    int
	// CheckpointEvery is the number of completed queries between periodic
	// checkpoint saves.
	CheckpointEvery int
	// InterQueryDelay is the base pause between queries before jitter.
	InterQueryDelay  time.Duration
	RecoveryCooldown time.Duration
	// Fresh ignores existing checkpoints and starts from query zero.
	Fresh bool
}

func (c *Config) applyDefaults() {
	if c.CheckpointKey == "" {
		c.CheckpointKey = c.StudyID
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 90 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 5
	}
}

// Options are the runner's optional collaborators.
type Options struct {
	// Resolver clears CAPTCHAs on browser sessions. Nil disables solving;
	// challenges then classify as captcha_required and trigger recovery.
	Resolver *captcha.Resolver
	// Prompter answers AWAITING_OPERATOR. Defaults to stdin.
	Prompter recovery.Prompter
	// Detectors override the default block-indicator list.
	Detectors []blockdetect.Detector
}

// Runner executes one (study, surface) pair. One logical worker: queries run
// strictly sequentially, one in flight at a time.
type Runner struct {
	cfg      Config
	queries  []study.Query
	adapter  surface.Adapter
	pool     *identity.Pool
	sessions *session.Manager
	store    *checkpoint.Store

	resolver  *captcha.Resolver
	prompter  recovery.Prompter
	detectors []blockdetect.Detector

	// injectable for tests
	verify func(ctx context.Context, h *session.Handle, loc string) session.IPVerification
	wait   func(ctx context.Context, d time.Duration) bool

	handle *session.Handle
	ctrl   *recovery.Controller
}

// New creates a runner. queries must be non-empty and index-contiguous
// from zero; Run validates this.
func New(cfg Config, queries []study.Query, adapter surface.Adapter, pool *identity.Pool, sessions *session.Manager, store *checkpoint.Store, opts Options) *Runner {
	cfg.applyDefaults()
	if opts.Prompter == nil {
		opts.Prompter = recovery.NewStdinPrompter()
	}
	if opts.Detectors == nil {
		opts.Detectors = blockdetect.DefaultDetectors()
	}
	return &Runner{
		cfg:       cfg,
		queries:   queries,
		adapter:   adapter,
		pool:      pool,
		sessions:  sessions,
		store:     store,
		resolver:  opts.Resolver,
		prompter:  opts.Prompter,
		detectors: opts.Detectors,
		verify:    session.VerifyIP,
		wait:      sleep,
	}
}

// Run executes the study to completion or abort. The returned result carries
// Aborted=true rather than an error when the run aborted; errors are
// reserved for failures to even start (bad input, no session).
func (r *Runner) Run(ctx context.Context) (*study.Result, error) {
	if err := study.ValidateQueries(r.queries); err != nil {
		return nil, err
	}

	total := len(r.queries)
	result := &study.Result{
		StudyID:   r.cfg.StudyID,
		Surface:   r.adapter.Name(),
		Total:     total,
		StartedAt: time.Now().UTC(),
	}
	log := logger.With("study", r.cfg.StudyID, "surface", r.adapter.Name())

	results, start, err := r.resume(total)
	if err != nil {
		return nil, err
	}
	if start >= total {
		log.Info("study already complete in checkpoint", "total", total)
		return r.finish(result, results, total, false, ""), nil
	}
	log.Info("study starting", "total", total, "resume_from", start)

	initial := r.pool.Acquire(r.cfg.ExpectedLocation)
	warmUp := r.adapter.Kind() == surface.KindSession
	handle, err := r.sessions.Open(ctx, initial, r.adapter.Kind(), warmUp)
	if err != nil {
		return nil, fmt.Errorf("open initial session: %w", err)
	}
	defer r.sessions.Close()
	r.handle = handle

	if v := r.verify(ctx, handle, r.cfg.ExpectedLocation); v.Confidence == "high" && !v.Verified {
		log.Warn("initial egress location mismatch",
			"got", v.Country, "expected", r.cfg.ExpectedLocation)
	}

	r.ctrl = recovery.NewController(recovery.Config{
		Location:    r.cfg.ExpectedLocation,
		MaxAttempts: r.cfg.MaxRecoveryAttempts,
		Cooldown:    r.cfg.RecoveryCooldown,
	}, r.pool, rotator{r}, r.prompter, initial)

	pace := newPacer(r.cfg.InterQueryDelay)
	consecutive := 0
	sinceCheckpoint := 0

	i := start
	for i < total {
		if err := ctx.Err(); err != nil {
			return r.abort(result, results, total, "cancelled: "+err.Error()), nil
		}

		q := r.queries[i]
		res, submitErr := r.attempt(ctx, q)

		if submitErr == nil {
			qr := r.buildResult(q, res, nil, "")
			results = setResult(results, qr)
			metrics.RecordQuery(result.Surface, qr)
			consecutive = 0
			i++
			sinceCheckpoint++
			if sinceCheckpoint >= r.cfg.CheckpointEvery {
				r.save(results, total, false, "")
				sinceCheckpoint = 0
			}
			if i < total && !r.wait(ctx, pace.delay(i-1)) {
				return r.abort(result, results, total, "cancelled between queries"), nil
			}
			continue
		}

		category := Classify(submitErr)
		log.Warn("query failed",
			"index", q.Index,
			"category", string(category),
			"error", submitErr)

		recordFailure := func() {
			qr := r.buildResult(q, nil, submitErr, category)
			results = setResult(results, qr)
			metrics.RecordQuery(result.Surface, qr)
			pace.noteFailure(i)
			i++
			sinceCheckpoint++
			if sinceCheckpoint >= r.cfg.CheckpointEvery {
				r.save(results, total, false, "")
				sinceCheckpoint = 0
			}
		}

		if category.PerQuery() {
			// Scoped to the query, not the session; record and move on
			// without feeding the failure streak.
			recordFailure()
			if i < total && !r.wait(ctx, pace.delay(i-1)) {
				return r.abort(result, results, total, "cancelled between queries"), nil
			}
			continue
		}

		if category.RetriableWithSameIdentity() {
			consecutive++
			if consecutive < r.cfg.MaxConsecutiveFailures {
				// A single failure does not block progress.
				recordFailure()
				if i < total && !r.wait(ctx, pace.delay(i-1)) {
					return r.abort(result, results, total, "cancelled between queries"), nil
				}
				continue
			}
		}

		// Threshold reached, or retrying with this identity is known to be
		// futile: hand over to the recovery controller, keep the index.
		r.save(results, total, false, "")
		previousIP := ""
		if r.handle != nil && r.handle.VerifiedIP != nil {
			previousIP = r.handle.VerifiedIP.IP
		}
		outcome, reason := r.ctrl.Recover(ctx, previousIP)
		r.save(results, total, false, "")

		switch outcome {
		case recovery.OutcomeResumed:
			metrics.RecoveriesTotal.WithLabelValues(result.Surface, "resumed").Inc()
			consecutive = 0
			sinceCheckpoint = 0
			// retry the same index
		case recovery.OutcomeSkipRemainder:
			metrics.RecoveriesTotal.WithLabelValues(result.Surface, "skip_remainder").Inc()
			for ; i < total; i++ {
				qr := r.buildResult(r.queries[i], nil,
					errors.New("skipped by operator"), study.FailureUnknown)
				results = setResult(results, qr)
			}
		case recovery.OutcomeAborted:
			metrics.RecoveriesTotal.WithLabelValues(result.Surface, "aborted").Inc()
			return r.abort(result, results, total, reason), nil
		}
	}

	log.Info("study complete", "total", total)
	return r.finish(result, results, total, false, ""), nil
}

// attempt submits one query, clearing a pre-existing challenge first on
// browser sessions and retrying once after a successful CAPTCHA solve.
func (r *Runner) attempt(ctx context.Context, q study.Query) (*surface.Result, error) {
	if _, browser := r.handle.BrowserContext(); browser {
		if det := r.inspect(ctx); det.Detected {
			logger.Debug("block detected before submit", "indicator", det.Indicator)
			if !r.tryResolveCaptcha(ctx) {
				return nil, fmt.Errorf("%w: %s", surface.ErrBlocked, det.Indicator)
			}
			if det = r.inspect(ctx); det.Detected {
				return nil, fmt.Errorf("%w: %s persists after solve", surface.ErrBlocked, det.Indicator)
			}
		}
	}

	res, err := r.adapter.Submit(ctx, r.handle, q.Text, r.cfg.QueryTimeout)
	if err == nil || !errors.Is(err, surface.ErrBlocked) {
		return res, err
	}

	// The surface blocked mid-submission. One solve-and-retry before the
	// failure propagates into classification.
	if _, browser := r.handle.BrowserContext(); browser && r.tryResolveCaptcha(ctx) {
		if det := r.inspect(ctx); !det.Detected {
			return r.adapter.Submit(ctx, r.handle, q.Text, r.cfg.QueryTimeout)
		}
	}
	return res, err
}

// inspect runs block detection against the session's current page.
func (r *Runner) inspect(ctx context.Context) blockdetect.Detection {
	pageURL, content, err := r.handle.Snapshot(ctx)
	if err != nil {
		logger.Debug("page snapshot failed during block inspection", "error", err)
		return blockdetect.Detection{}
	}
	return blockdetect.Inspect(pageURL, content, r.detectors)
}

// tryResolveCaptcha runs the resolver and re-verifies via the caller. A true
// return only means the resolver injected a token; it is never trusted
// without another detection pass.
func (r *Runner) tryResolveCaptcha(ctx context.Context) bool {
	if r.resolver == nil {
		return false
	}
	solved, err := r.resolver.Resolve(ctx, r.handle)
	if err != nil {
		logger.Warn("captcha resolution errored", "error", err)
		metrics.CaptchaSolvesTotal.WithLabelValues("error").Inc()
		return false
	}
	if solved {
		metrics.CaptchaSolvesTotal.WithLabelValues("solved").Inc()
	} else {
		metrics.CaptchaSolvesTotal.WithLabelValues("unsolved").Inc()
	}
	return solved
}

// buildResult assembles a QueryResult, attaching an IP-mismatch warning when
// the session's last verification disagreed with the expected location.
func (r *Runner) buildResult(q study.Query, res *surface.Result, submitErr error, category study.FailureCategory) study.QueryResult {
	qr := study.QueryResult{
		QueryIndex:  q.Index,
		Query:       q.Text,
		CompletedAt: time.Now().UTC(),
	}
	if submitErr != nil {
		qr.Success = false
		qr.Error = submitErr.Error()
		qr.FailureCategory = category
	} else {
		qr.Success = true
		qr.Response = res.Text
		qr.DurationMs = res.Duration.Milliseconds()
		qr.Citations = res.Citations
		for _, o := range res.Organic {
			qr.Organic = append(qr.Organic, study.OrganicResult{Rank: o.Rank, Title: o.Title, URL: o.URL})
		}
	}
	if r.handle != nil && r.handle.VerifiedIP != nil {
		if v := r.handle.VerifiedIP; v.Confidence == "high" && !v.Verified {
			qr.Warnings = append(qr.Warnings, study.Warning{
				Code:    "ip_location_mismatch",
				Message: fmt.Sprintf("egress country %s does not match expected %s", v.Country, r.cfg.ExpectedLocation),
			})
		}
	}
	return qr
}

// resume loads the latest checkpoint and returns the carried results plus
// the first index still to run.
func (r *Runner) resume(total int) ([]study.QueryResult, int, error) {
	if r.cfg.Fresh {
		return nil, 0, nil
	}
	cp, err := r.store.Load(r.cfg.CheckpointKey)
	if err != nil {
		return nil, 0, err
	}
	if cp == nil {
		return nil, 0, nil
	}
	start := cp.QueriesCompleted
	if start > total {
		start = total
	}
	carried := cp.CompletedResults
	if len(carried) > start {
		carried = carried[:start]
	}
	results := make([]study.QueryResult, len(carried))
	copy(results, carried)
	return results, start, nil
}

// save writes a checkpoint; failures are logged, never fatal, because losing
// one periodic save must not take down a healthy run.
func (r *Runner) save(results []study.QueryResult, total int, aborted bool, reason string) {
	_, err := r.store.Save(r.cfg.CheckpointKey, study.Checkpoint{
		Surface:          r.adapter.Name(),
		CompletedResults: results,
		QueriesCompleted: completedPrefix(results),
		TotalQueries:     total,
		Aborted:          aborted,
		AbortReason:      reason,
	})
	if err != nil {
		logger.Error("checkpoint save failed", "error", err)
	}
}

func (r *Runner) finish(result *study.Result, results []study.QueryResult, total int, aborted bool, reason string) *study.Result {
	r.save(results, total, aborted, reason)
	result.Results = results
	result.Completed = completedPrefix(results)
	result.Aborted = aborted
	result.Reason = reason
	result.EndedAt = time.Now().UTC()
	return result
}

func (r *Runner) abort(result *study.Result, results []study.QueryResult, total int, reason string) *study.Result {
	logger.Error("study aborted",
		"study", r.cfg.StudyID,
		"reason", reason,
		"completed", completedPrefix(results),
		"total", total)
	return r.finish(result, results, total, true, reason)
}

// completedPrefix returns the length of the contiguous completed prefix:
// results are produced in index order, so this is the resume offset.
func completedPrefix(results []study.QueryResult) int {
	present := make(map[int]bool, len(results))
	for _, qr := range results {
		present[qr.QueryIndex] = true
	}
	n := 0
	for present[n] {
		n++
	}
	return n
}

// setResult installs a result, replacing any earlier attempt at the same
// index. Last write for an index wins.
func setResult(results []study.QueryResult, qr study.QueryResult) []study.QueryResult {
	for i := range results {
		if results[i].QueryIndex == qr.QueryIndex {
			results[i] = qr
			return results
		}
	}
	return append(results, qr)
}

// rotator adapts the runner's session plumbing to the recovery controller:
// close the old session, open a warmed-up replacement, re-verify its IP.
type rotator struct{ r *Runner }

func (rt rotator) Rotate(ctx context.Context, id identity.Identity) (string, error) {
	warmUp := rt.r.adapter.Kind() == surface.KindSession
	h, err := rt.r.sessions.Open(ctx, id, rt.r.adapter.Kind(), warmUp)
	if err != nil {
		return "", err
	}
	rt.r.handle = h
	v := rt.r.verify(ctx, h, rt.r.cfg.ExpectedLocation)
	return v.IP, nil
}
