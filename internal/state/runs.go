package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunProblems  = "problems"
	RunFailed    = "failed"
)

// Run is one row of run history.
type Run struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Sources     int        `json:"sources"`
	Changed     int        `json:"changed"`
	Unchanged   int        `json:"unchanged"`
	Removed     int        `json:"removed"`
	Problems    int        `json:"problems"`
	Errors      int        `json:"errors"`
	OutputFiles int        `json:"output_files"`
	LastError   string     `json:"last_error,omitempty"`
}

// RecordRun inserts or updates r.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.ID == "" || r.Task == "" {
		return fmt.Errorf("run id and task are required")
	}
	var completed any
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC().Format(timeLayout)
	}
	var lastErr any
	if r.LastError != "" {
		lastErr = r.LastError
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, task, status, started_at, completed_at, sources, changed, unchanged, removed, problems, errors, output_files, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  completed_at = excluded.completed_at,
  sources = excluded.sources,
  changed = excluded.changed,
  unchanged = excluded.unchanged,
  removed = excluded.removed,
  problems = excluded.problems,
  errors = excluded.errors,
  output_files = excluded.output_files,
  last_error = excluded.last_error;
`, r.ID, r.Task, r.Status, r.StartedAt.UTC().Format(timeLayout), completed,
		r.Sources, r.Changed, r.Unchanged, r.Removed, r.Problems, r.Errors, r.OutputFiles, lastErr)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// LatestRun returns the most recently started run of task, or nil if the
// task never ran.
func (s *Store) LatestRun(ctx context.Context, task string) (*Run, error) {
	var (
		r         Run
		started   string
		completed sql.NullString
		lastErr   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, task, status, started_at, completed_at, sources, changed, unchanged, removed, problems, errors, output_files, last_error
FROM runs WHERE task = ?
ORDER BY started_at DESC LIMIT 1;
`, task).Scan(&r.ID, &r.Task, &r.Status, &started, &completed,
		&r.Sources, &r.Changed, &r.Unchanged, &r.Removed, &r.Problems, &r.Errors, &r.OutputFiles, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest run: %w", err)
	}

	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if completed.Valid {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		r.CompletedAt = &t
	}
	r.LastError = lastErr.String
	return &r, nil
}
