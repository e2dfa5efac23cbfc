// Package study defines the core data model for query studies: the queries
// submitted to a surface, the per-query results collected from it, and the
// checkpoint shape used to resume an interrupted run.
package study

import (
	"fmt"
	"time"
)

// Query is one natural-language query in an ordered batch. Index is the
// stable identity used for checkpointing and resume.
type Query struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Queries builds an index-contiguous query list from raw text lines.
func Queries(texts []string) []Query {
	out := make([]Query, len(texts))
	for i, t := range texts {
		out[i] = Query{Index: i, Text: t}
	}
	return out
}

// ValidateQueries checks that a query list is non-empty and index-contiguous
// from zero, which the runner and checkpoint logic both depend on.
func ValidateQueries(qs []Query) error {
	if len(qs) == 0 {
		return fmt.Errorf("query list is empty")
	}
	for i, q := range qs {
		if q.Index != i {
			return fmt.Errorf("query at position %d has index %d, expected %d", i, q.Index, i)
		}
	}
	return nil
}

// FailureCategory classifies a failed query attempt. Categories are derived
// deterministically from the error, first matching rule wins.
type FailureCategory string

const (
	FailureRateLimit          FailureCategory = "rate_limit"
	FailureAuth               FailureCategory = "auth"
	FailureTimeout            FailureCategory = "timeout"
	FailureNetwork            FailureCategory = "network"
	FailureContentPolicy      FailureCategory = "content_policy"
	FailureServiceUnavailable FailureCategory = "service_unavailable"
	FailureQuotaExceeded      FailureCategory = "quota_exceeded"
	FailureInvalidResponse    FailureCategory = "invalid_response"
	FailureSessionExpired     FailureCategory = "session_expired"
	FailureCaptchaRequired    FailureCategory = "captcha_required"
	FailureUnknown            FailureCategory = "unknown"
)

// RetriableWithSameIdentity reports whether retrying this failure with the
// current egress identity can plausibly succeed. Categories for which the
// answer is no force an identity rotation immediately instead of waiting for
// the consecutive-failure threshold.
func (c FailureCategory) RetriableWithSameIdentity() bool {
	switch c {
	case FailureCaptchaRequired, FailureSessionExpired, FailureAuth:
		return false
	}
	return true
}

// PerQuery reports whether the failure is scoped to the individual query
// rather than the session or identity. Per-query failures never trigger
// recovery; the run records them and moves on.
func (c FailureCategory) PerQuery() bool {
	return c == FailureQuotaExceeded || c == FailureContentPolicy
}

// Warning is a non-fatal anomaly attached to a result, such as an IP
// verification mismatch at submission time.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QueryResult records one attempt at one query. For a given index the last
// written attempt wins; resume never rewrites indices before the checkpoint
// offset.
type QueryResult struct {
	QueryIndex      int             `json:"query_index"`
	Query           string          `json:"query"`
	Response        string          `json:"response,omitempty"`
	Success         bool            `json:"success"`
	DurationMs      int64           `json:"duration_ms"`
	Error           string          `json:"error,omitempty"`
	FailureCategory FailureCategory `json:"failure_category,omitempty"`
	Warnings        []Warning       `json:"warnings,omitempty"`
	Citations       []string        `json:"citations,omitempty"`
	Organic         []OrganicResult `json:"organic_results,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// OrganicResult is one ranked result returned by a search surface.
type OrganicResult struct {
	Rank  int    `json:"rank"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Checkpoint is the durable snapshot of partial study progress. It is
// written as a whole file so a reader never observes a torn document.
type Checkpoint struct {
	StudyID          string        `json:"study_id"`
	Surface          string        `json:"surface"`
	CompletedResults []QueryResult `json:"completed_results"`
	QueriesCompleted int           `json:"queries_completed"`
	TotalQueries     int           `json:"total_queries"`
	SavedAt          time.Time     `json:"saved_at"`
	Aborted          bool          `json:"aborted,omitempty"`
	AbortReason      string        `json:"abort_reason,omitempty"`
}

// Result is the outcome of one study run against one surface.
type Result struct {
	StudyID   string        `json:"study_id"`
	Surface   string        `json:"surface"`
	Results   []QueryResult `json:"results"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Aborted   bool          `json:"aborted"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}
