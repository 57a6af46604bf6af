// Package inspect explains what the state database remembers about a source:
// its content hash, last outcome and the output files attributed to it.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no stored source matches the query.
var ErrNotFound = errors.New("no stored state matches")

// Report is the structured JSON representation of a source report.
type Report struct {
	Task    string   `json:"task"`
	Query   string   `json:"query"`
	Sources []Source `json:"sources"`
}

// Source is the stored state of one mapping.
type Source struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Hash      string `json:"hash,omitempty"`
	Succeeded bool   `json:"succeeded"`
	UpdatedAt string `json:"updated_at"`
	Files     []File `json:"files,omitempty"`
}

// File is one output file a source wrote.
type File struct {
	Path string `json:"path"`
	// RunID is the run that last recorded the file, empty if it is no longer
	// tracked as an output.
	RunID  string `json:"run_id,omitempty"`
	Exists bool   `json:"exists"`
}

// BuildReport renders a terminal-friendly report for every stored source of
// task whose source path, target, or target suffix matches query.
func BuildReport(ctx context.Context, db *sql.DB, task, query string) (string, error) {
	report, err := gatherReportData(ctx, db, task, query)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Source Report\n")
	fmt.Fprintf(&out, "Task        : %s\n", report.Task)
	fmt.Fprintf(&out, "Query       : %s\n", report.Query)
	fmt.Fprintf(&out, "Matches     : %d\n", len(report.Sources))

	for i, s := range report.Sources {
		fmt.Fprintf(&out, "\n[%d] %s\n", i+1, s.Target)
		fmt.Fprintf(&out, "    source     : %s\n", s.Source)
		fmt.Fprintf(&out, "    outcome    : %s\n", outcomeLabel(s.Succeeded))
		fmt.Fprintf(&out, "    hash       : %s\n", renderUnset(s.Hash, "<none, will be reprocessed>"))
		fmt.Fprintf(&out, "    updated_at : %s\n", s.UpdatedAt)
		if len(s.Files) == 0 {
			fmt.Fprintf(&out, "    files      : <none>\n")
			continue
		}
		fmt.Fprintf(&out, "    files      :\n")
		for _, f := range s.Files {
			marker := ""
			if !f.Exists {
				marker = " (missing on disk)"
			}
			fmt.Fprintf(&out, "      - %s [run %s]%s\n", f.Path, renderUnset(f.RunID, "untracked"), marker)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the report as indented JSON.
func BuildJSONReport(ctx context.Context, db *sql.DB, task, query string) (string, error) {
	report, err := gatherReportData(ctx, db, task, query)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, task, query string) (*Report, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}
	slashed := filepath.ToSlash(query)

	rows, err := db.QueryContext(ctx, `
SELECT source, target, hash, succeeded, files_written, updated_at
FROM source_state
WHERE task = ? AND (source = ? OR target = ? OR target LIKE '%/' || ?)
ORDER BY target, source;
`, task, query, slashed, slashed)
	if err != nil {
		return nil, fmt.Errorf("query source state: %w", err)
	}
	defer rows.Close()

	report := &Report{Task: task, Query: query}
	for rows.Next() {
		var (
			s        Source
			filesRaw string
		)
		if err := rows.Scan(&s.Source, &s.Target, &s.Hash, &s.Succeeded, &filesRaw, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source state: %w", err)
		}
		var paths []string
		if err := json.Unmarshal([]byte(filesRaw), &paths); err != nil {
			return nil, fmt.Errorf("decode files_written for %s: %w", s.Source, err)
		}
		for _, p := range paths {
			s.Files = append(s.Files, File{Path: p})
		}
		report.Sources = append(report.Sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source state: %w", err)
	}
	if len(report.Sources) == 0 {
		return nil, fmt.Errorf("%w %q in task %q", ErrNotFound, query, task)
	}

	for i := range report.Sources {
		for j := range report.Sources[i].Files {
			f := &report.Sources[i].Files[j]
			runID, err := lookupOutputRun(ctx, db, task, f.Path)
			if err != nil {
				return nil, err
			}
			f.RunID = runID
			_, statErr := os.Stat(f.Path)
			f.Exists = statErr == nil
		}
	}
	return report, nil
}

func lookupOutputRun(ctx context.Context, db *sql.DB, task, path string) (string, error) {
	var runID string
	err := db.QueryRowContext(ctx, `SELECT run_id FROM output_files WHERE task = ? AND path = ?;`, task, path).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup output file %s: %w", path, err)
	}
	return runID, nil
}

func outcomeLabel(succeeded bool) string {
	if succeeded {
		return "succeeded"
	}
	return "failed"
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
