package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/scriptbatch/internal/protocol"
)

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Snapshot is everything a task remembers between runs.
type Snapshot struct {
	Results     map[protocol.PathMapping]protocol.OpResult
	Hashes      map[protocol.PathMapping]string
	OutputFiles []string
}

// NewSnapshot returns an empty snapshot with allocated maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Results:     make(map[protocol.PathMapping]protocol.OpResult),
		Hashes:      make(map[protocol.PathMapping]string),
		OutputFiles: []string{},
	}
}

// Store persists per-task source state in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an open, bootstrapped state database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Previous returns what the last committed run of task left behind. A task
// that never ran yields an empty snapshot.
func (s *Store) Previous(ctx context.Context, task string) (Snapshot, error) {
	if task == "" {
		return Snapshot{}, fmt.Errorf("task name is empty")
	}
	snap := NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `
SELECT source, target, hash, succeeded, files_written
FROM source_state WHERE task = ?;
`, task)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read source state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         protocol.PathMapping
			hash      string
			succeeded bool
			filesRaw  string
		)
		if err := rows.Scan(&m.Source, &m.Target, &hash, &succeeded, &filesRaw); err != nil {
			return Snapshot{}, fmt.Errorf("scan source state: %w", err)
		}
		if !succeeded {
			snap.Results[m] = protocol.Failure()
		} else {
			var files []string
			if err := json.Unmarshal([]byte(filesRaw), &files); err != nil {
				return Snapshot{}, fmt.Errorf("decode files_written for %s: %w", m, err)
			}
			snap.Results[m] = protocol.Success(files...)
		}
		if hash != "" {
			snap.Hashes[m] = hash
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate source state: %w", err)
	}

	files, err := s.db.QueryContext(ctx, `SELECT path FROM output_files WHERE task = ? ORDER BY path;`, task)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read output files: %w", err)
	}
	defer files.Close()
	for files.Next() {
		var p string
		if err := files.Scan(&p); err != nil {
			return Snapshot{}, fmt.Errorf("scan output file: %w", err)
		}
		snap.OutputFiles = append(snap.OutputFiles, p)
	}
	if err := files.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate output files: %w", err)
	}
	return snap, nil
}

// Save replaces the stored snapshot of task in a single transaction.
func (s *Store) Save(ctx context.Context, task, runID string, snap Snapshot) error {
	if task == "" {
		return fmt.Errorf("task name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_state WHERE task = ?;`, task); err != nil {
		return fmt.Errorf("clear source state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM output_files WHERE task = ?;`, task); err != nil {
		return fmt.Errorf("clear output files: %w", err)
	}

	now := s.now().UTC().Format(timeLayout)
	for _, m := range sortedMappings(snap.Results) {
		r := snap.Results[m]
		files := r.FilesWritten
		if files == nil {
			files = []string{}
		}
		filesJSON, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("encode files_written for %s: %w", m, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO source_state(task, source, target, hash, succeeded, files_written, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, task, m.Source, m.Target, snap.Hashes[m], r.Succeeded, string(filesJSON), now)
		if err != nil {
			return fmt.Errorf("insert source state for %s: %w", m, err)
		}
	}

	for _, p := range snap.OutputFiles {
		_, err := tx.ExecContext(ctx, `
INSERT INTO output_files(task, path, run_id) VALUES(?, ?, ?)
ON CONFLICT(task, path) DO NOTHING;
`, task, p, runID)
		if err != nil {
			return fmt.Errorf("insert output file %q: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func sortedMappings(results map[protocol.PathMapping]protocol.OpResult) []protocol.PathMapping {
	out := make([]protocol.PathMapping, 0, len(results))
	for m := range results {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}
