// Package sqlite implements the results archive on an embedded SQLite
// database, so archiving needs no external service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/probelab/surveyor/internal/results"
	"github.com/probelab/surveyor/pkg/study"
)

var _ results.Archive = (*archive)(nil)

type archive struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS study_runs (
	run_id TEXT PRIMARY KEY,
	study_id TEXT NOT NULL,
	surface TEXT NOT NULL,
	completed INTEGER NOT NULL,
	total INTEGER NOT NULL,
	aborted BOOLEAN NOT NULL,
	reason TEXT,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS query_results (
	run_id TEXT NOT NULL REFERENCES study_runs(run_id),
	study_id TEXT NOT NULL,
	surface TEXT NOT NULL,
	query_index INTEGER NOT NULL,
	query TEXT NOT NULL,
	response TEXT,
	success BOOLEAN NOT NULL,
	duration_ms INTEGER NOT NULL,
	failure_category TEXT,
	error TEXT,
	warnings TEXT NOT NULL,
	citations TEXT NOT NULL,
	organic TEXT NOT NULL,
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, query_index)
);

CREATE INDEX IF NOT EXISTS idx_query_results_study ON query_results(study_id, surface);
`

// New opens (or creates) an archive at dsn. Use "file::memory:?cache=shared"
// for an in-memory archive.
func New(dsn string) (results.Archive, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply results schema: %w", err)
	}
	return &archive{db: db}, nil
}

func (a *archive) SaveRun(ctx context.Context, res *study.Result) (string, error) {
	runID := uuid.NewString()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO study_runs (run_id, study_id, surface, completed, total, aborted, reason, started_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.StudyID, res.Surface, res.Completed, res.Total,
		res.Aborted, res.Reason, res.StartedAt, res.EndedAt,
	)
	if err != nil {
		return "", fmt.Errorf("archive run header: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO query_results (run_id, study_id, surface, query_index, query, response, success,
		duration_ms, failure_category, error, warnings, citations, organic, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, qr := range res.Results {
		warnings, err := json.Marshal(qr.Warnings)
		if err != nil {
			return "", fmt.Errorf("marshal warnings: %w", err)
		}
		citations, err := json.Marshal(qr.Citations)
		if err != nil {
			return "", fmt.Errorf("marshal citations: %w", err)
		}
		organic, err := json.Marshal(qr.Organic)
		if err != nil {
			return "", fmt.Errorf("marshal organic results: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			runID, res.StudyID, res.Surface, qr.QueryIndex, qr.Query, qr.Response, qr.Success,
			qr.DurationMs, string(qr.FailureCategory), qr.Error,
			string(warnings), string(citations), string(organic), qr.CompletedAt,
		)
		if err != nil {
			return "", fmt.Errorf("archive query %d: %w", qr.QueryIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit archive tx: %w", err)
	}
	return runID, nil
}

func (a *archive) Runs(ctx context.Context, studyID string) ([]*results.RunSummary, error) {
	rows, err := a.db.QueryContext(ctx, `
	SELECT run_id, study_id, surface, completed, total, aborted, reason, started_at, ended_at
	FROM study_runs WHERE study_id = ? ORDER BY started_at DESC`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*results.RunSummary
	for rows.Next() {
		var s results.RunSummary
		if err := rows.Scan(&s.RunID, &s.StudyID, &s.Surface, &s.Completed, &s.Total,
			&s.Aborted, &s.Reason, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (a *archive) Records(ctx context.Context, filter results.Filter) ([]*results.Record, error) {
	query := `
	SELECT run_id, study_id, surface, query_index, query, response, success,
		duration_ms, failure_category, error, warnings, citations, organic, completed_at
	FROM query_results WHERE 1=1`
	args := []any{}

	if filter.StudyID != "" {
		query += ` AND study_id = ?`
		args = append(args, filter.StudyID)
	}
	if filter.Surface != "" {
		query += ` AND surface = ?`
		args = append(args, filter.Surface)
	}
	if filter.Success != nil {
		query += ` AND success = ?`
		args = append(args, *filter.Success)
	}
	if filter.Category != "" {
		query += ` AND failure_category = ?`
		args = append(args, filter.Category)
	}
	if filter.Since != nil {
		query += ` AND completed_at >= ?`
		args = append(args, *filter.Since)
	}

	query += ` ORDER BY completed_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*results.Record
	for rows.Next() {
		var r results.Record
		var warnings, citations, organic string
		err := rows.Scan(&r.RunID, &r.StudyID, &r.Surface, &r.QueryIndex, &r.Query, &r.Response,
			&r.Success, &r.DurationMs, &r.FailureCategory, &r.Error,
			&warnings, &citations, &organic, &r.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, fmt.Errorf("parse warnings: %w", err)
		}
		if err := json.Unmarshal([]byte(citations), &r.Citations); err != nil {
			return nil, fmt.Errorf("parse citations: %w", err)
		}
		if err := json.Unmarshal([]byte(organic), &r.Organic); err != nil {
			return nil, fmt.Errorf("parse organic results: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (a *archive) Close() error {
	return a.db.Close()
}
