package incremental

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptbatch/internal/outcome"
	"github.com/mattjoyce/scriptbatch/internal/protocol"
	"github.com/mattjoyce/scriptbatch/internal/state"
	"github.com/mattjoyce/scriptbatch/internal/storage"
)

type fixture struct {
	dir     string
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{dir: dir, tracker: NewTracker(state.NewStore(db))}
}

func (f *fixture) source(t *testing.T, name, content string) protocol.PathMapping {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return protocol.PathMapping{Source: p, Target: name}
}

func commitAll(t *testing.T, f *fixture, plan *Plan, results map[protocol.PathMapping]protocol.OpResult) outcome.Final {
	t.Helper()
	final := outcome.Finalize(
		[]protocol.Batch{{Results: results}},
		plan.PreviousOutcome(),
		func(string) bool { return true },
	)
	require.NoError(t, f.tracker.Commit(context.Background(), plan, "run", final))
	return final
}

func TestPlanFirstRunChangesEverything(t *testing.T) {
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")
	b := f.source(t, "b.js", "var b;")

	plan, err := f.tracker.Plan(context.Background(), "compile", []protocol.PathMapping{a, b}, "{}")
	require.NoError(t, err)
	assert.Equal(t, []protocol.PathMapping{a, b}, plan.Changed)
	assert.Empty(t, plan.Unchanged)
	assert.Empty(t, plan.Removed)
	assert.Len(t, plan.Hashes, 2)
}

func TestPlanSkipsUnchangedSuccesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")
	b := f.source(t, "b.js", "var b;")
	c := f.source(t, "c.js", "var c;")
	all := []protocol.PathMapping{a, b, c}

	plan, err := f.tracker.Plan(ctx, "compile", all, "{}")
	require.NoError(t, err)
	commitAll(t, f, plan, map[protocol.PathMapping]protocol.OpResult{
		a: protocol.Success("/out/a.js"),
		b: protocol.Failure(),
		c: protocol.Success("/out/c.js"),
	})

	// c is edited, b failed last time, a is untouched.
	f.source(t, "c.js", "var c = 1;")

	plan, err = f.tracker.Plan(ctx, "compile", all, "{}")
	require.NoError(t, err)
	assert.Equal(t, []protocol.PathMapping{a}, plan.Unchanged)
	assert.ElementsMatch(t, []protocol.PathMapping{b, c}, plan.Changed)
}

func TestPlanOptionsChangeInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")

	plan, err := f.tracker.Plan(ctx, "compile", []protocol.PathMapping{a}, `{"minify":false}`)
	require.NoError(t, err)
	commitAll(t, f, plan, map[protocol.PathMapping]protocol.OpResult{a: protocol.Success("/out/a.js")})

	plan, err = f.tracker.Plan(ctx, "compile", []protocol.PathMapping{a}, `{"minify":false}`)
	require.NoError(t, err)
	assert.Empty(t, plan.Changed)

	plan, err = f.tracker.Plan(ctx, "compile", []protocol.PathMapping{a}, `{"minify":true}`)
	require.NoError(t, err)
	assert.Equal(t, []protocol.PathMapping{a}, plan.Changed)
}

func TestPlanRemovedSourcesDropTheirOutputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")
	b := f.source(t, "b.js", "var b;")

	plan, err := f.tracker.Plan(ctx, "compile", []protocol.PathMapping{a, b}, "")
	require.NoError(t, err)
	commitAll(t, f, plan, map[protocol.PathMapping]protocol.OpResult{
		a: protocol.Success("/out/a.js"),
		b: protocol.Success("/out/b.js"),
	})

	plan, err = f.tracker.Plan(ctx, "compile", []protocol.PathMapping{b}, "")
	require.NoError(t, err)
	assert.Equal(t, []protocol.PathMapping{a}, plan.Removed)
	assert.Equal(t, []protocol.PathMapping{b}, plan.Unchanged)
	assert.Equal(t, []string{"/out/b.js"}, plan.PreviousOutcome().OutputFiles)

	final := commitAll(t, f, plan, nil)
	assert.Equal(t, []string{"/out/b.js"}, final.OutputFiles)

	plan, err = f.tracker.Plan(ctx, "compile", []protocol.PathMapping{b}, "")
	require.NoError(t, err)
	assert.Empty(t, plan.Removed, "removed sources are forgotten after commit")
}

func TestCommitForgetsHashOfFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")

	plan, err := f.tracker.Plan(ctx, "compile", []protocol.PathMapping{a}, "")
	require.NoError(t, err)
	commitAll(t, f, plan, map[protocol.PathMapping]protocol.OpResult{a: protocol.Failure()})

	plan, err = f.tracker.Plan(ctx, "compile", []protocol.PathMapping{a}, "")
	require.NoError(t, err)
	assert.Equal(t, []protocol.PathMapping{a}, plan.Changed)
	assert.Equal(t, protocol.Failure(), plan.Previous.Results[a])
	_, hashed := plan.Previous.Hashes[a]
	assert.False(t, hashed)
}

func TestHashSource(t *testing.T) {
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")

	h1, err := HashSource(a, "")
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	h2, err := HashSource(a, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	renamed := protocol.PathMapping{Source: a.Source, Target: "lib/a.js"}
	h3, err := HashSource(renamed, "")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	_, err = HashSource(protocol.PathMapping{Source: filepath.Join(f.dir, "missing.js")}, "")
	assert.Error(t, err)
}

func TestCommitChangedSourceWithoutResultStaysChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.source(t, "a.js", "var a;")
	b := f.source(t, "b.js", "var b;")
	all := []protocol.PathMapping{a, b}

	plan, err := f.tracker.Plan(ctx, "compile", all, "{}")
	require.NoError(t, err)
	commitAll(t, f, plan, map[protocol.PathMapping]protocol.OpResult{
		a: protocol.Success("/out/a.js"),
		b: protocol.Success("/out/b.js"),
	})

	f.source(t, "a.js", "var a = 2;")
	plan, err = f.tracker.Plan(ctx, "compile", all, "{}")
	require.NoError(t, err)
	require.Equal(t, []protocol.PathMapping{a}, plan.Changed)

	// The engine says nothing about a.
	commitAll(t, f, plan, map[protocol.PathMapping]protocol.OpResult{})

	plan, err = f.tracker.Plan(ctx, "compile", all, "{}")
	require.NoError(t, err)
	assert.Equal(t, []protocol.PathMapping{a}, plan.Changed, "edited source was never rebuilt")
	assert.Equal(t, []protocol.PathMapping{b}, plan.Unchanged)
}
