// Package results defines the archive interface for finished study runs.
// Checkpoints cover crash recovery for the run in flight; the archive is the
// durable, queryable record across runs.
package results

import (
	"context"
	"time"

	"github.com/probelab/surveyor/pkg/study"
)

// RunSummary is the per-run header row stored alongside the query records.
type RunSummary struct {
	RunID     string
	StudyID   string
	Surface   string
	Completed int
	Total     int
	Aborted   bool
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Record is one archived query result, flattened for querying.
type Record struct {
	RunID           string
	StudyID         string
	Surface         string
	QueryIndex      int
	Query           string
	Response        string
	Success         bool
	DurationMs      int64
	FailureCategory string
	Error           string
	Warnings        []study.Warning
	Citations       []string
	Organic         []study.OrganicResult
	CompletedAt     time.Time
}

// Filter narrows a Records query. Zero fields match everything.
type Filter struct {
	StudyID  string
	Surface  string
	Success  *bool
	Category string
	Since    *time.Time
	Limit    int
	Offset   int
}

// Archive stores finished runs. Implementations must be safe for use from
// multiple surface workers.
type Archive interface {
	// SaveRun archives a completed or aborted run and all its query
	// results under a fresh run id, which it returns.
	SaveRun(ctx context.Context, res *study.Result) (runID string, err error)

	// Runs lists archived runs for a study, newest first.
	Runs(ctx context.Context, studyID string) ([]*RunSummary, error)

	// Records returns archived query results matching the filter, newest
	// first.
	Records(ctx context.Context, filter Filter) ([]*Record, error)

	Close() error
}
