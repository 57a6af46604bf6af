// Package incremental decides which sources need reprocessing and records
// what a run produced.
package incremental

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/scriptbatch/internal/log"
	"github.com/mattjoyce/scriptbatch/internal/outcome"
	"github.com/mattjoyce/scriptbatch/internal/protocol"
	"github.com/mattjoyce/scriptbatch/internal/state"
)

// Store is the persistence the tracker needs. *state.Store implements it.
type Store interface {
	Previous(ctx context.Context, task string) (state.Snapshot, error)
	Save(ctx context.Context, task, runID string, snap state.Snapshot) error
}

// Plan splits the discovered sources of one run.
type Plan struct {
	Task      string
	Changed   []protocol.PathMapping
	Unchanged []protocol.PathMapping
	// Removed lists mappings remembered from earlier runs that were not
	// discovered this time.
	Removed  []protocol.PathMapping
	Hashes   map[protocol.PathMapping]string
	Previous state.Snapshot
}

// Sources returns every discovered mapping.
func (p *Plan) Sources() []protocol.PathMapping {
	out := make([]protocol.PathMapping, 0, len(p.Changed)+len(p.Unchanged))
	out = append(out, p.Changed...)
	return append(out, p.Unchanged...)
}

// PreviousOutcome is what the aggregator reconciles against. Output files of
// removed sources are dropped so they are not carried forward.
func (p *Plan) PreviousOutcome() outcome.Previous {
	drop := make(map[string]struct{})
	for _, m := range p.Removed {
		for _, f := range p.Previous.Results[m].FilesWritten {
			drop[f] = struct{}{}
		}
	}
	files := make([]string, 0, len(p.Previous.OutputFiles))
	for _, f := range p.Previous.OutputFiles {
		if _, ok := drop[f]; !ok {
			files = append(files, f)
		}
	}
	return outcome.Previous{Results: p.Previous.Results, OutputFiles: files}
}

// Tracker plans runs against stored hashes.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

// NewTracker creates a Tracker backed by store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, logger: log.WithComponent("incremental")}
}

// Plan hashes every mapping and compares it with the last committed run. A
// mapping is unchanged only if its hash matches and it succeeded last time.
func (t *Tracker) Plan(ctx context.Context, task string, mappings []protocol.PathMapping, options string) (*Plan, error) {
	prev, err := t.store.Previous(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("load previous state: %w", err)
	}

	plan := &Plan{
		Task:     task,
		Hashes:   make(map[protocol.PathMapping]string, len(mappings)),
		Previous: prev,
	}
	current := make(map[protocol.PathMapping]struct{}, len(mappings))
	for _, m := range mappings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current[m] = struct{}{}

		sum, err := HashSource(m, options)
		if err != nil {
			return nil, err
		}
		plan.Hashes[m] = sum

		if old, ok := prev.Hashes[m]; ok && old == sum && prev.Results[m].Succeeded {
			plan.Unchanged = append(plan.Unchanged, m)
		} else {
			plan.Changed = append(plan.Changed, m)
		}
	}

	for m := range prev.Results {
		if _, ok := current[m]; !ok {
			plan.Removed = append(plan.Removed, m)
		}
	}

	t.logger.Info("planned run",
		"task", task,
		"changed", len(plan.Changed),
		"unchanged", len(plan.Unchanged),
		"removed", len(plan.Removed),
	)
	return plan, nil
}

// Commit stores the outcome of a run: merged results of every discovered
// mapping, hashes of the successful ones, and the final output files.
// A changed mapping the engine reported nothing for keeps no hash, so the
// next plan picks it up again.
func (t *Tracker) Commit(ctx context.Context, plan *Plan, runID string, final outcome.Final) error {
	changed := make(map[protocol.PathMapping]struct{}, len(plan.Changed))
	for _, m := range plan.Changed {
		changed[m] = struct{}{}
	}

	snap := state.NewSnapshot()
	snap.Results = outcome.Merge(plan.Previous.Results, final.Results, plan.Sources())
	for m, r := range snap.Results {
		if !r.Succeeded {
			continue
		}
		if cur, ok := final.Results[m]; ok && cur.Succeeded {
			snap.Hashes[m] = plan.Hashes[m]
			continue
		}
		if _, ok := changed[m]; ok {
			t.logger.Warn("changed source got no result, it will be reprocessed", "source", m.Source, "target", m.Target)
			continue
		}
		if old, ok := plan.Previous.Hashes[m]; ok {
			snap.Hashes[m] = old
		}
	}
	snap.OutputFiles = final.OutputFiles

	if err := t.store.Save(ctx, plan.Task, runID, snap); err != nil {
		return fmt.Errorf("commit run %s: %w", runID, err)
	}
	return nil
}

// HashSource returns the BLAKE3 digest of a mapping's path, content and the
// task options, so an options change invalidates every source.
func HashSource(m protocol.PathMapping, options string) (string, error) {
	f, err := os.Open(m.Source)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", m.Source, err)
	}
	defer f.Close()

	h := blake3.New()
	_, _ = io.WriteString(h, m.Source)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, m.Target)
	_, _ = h.Write([]byte{0})
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", m.Source, err)
	}
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, options)
	return hex.EncodeToString(h.Sum(nil)), nil
}
