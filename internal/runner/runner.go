// Package runner executes one incremental run of a configured task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/scriptbatch/internal/config"
	"github.com/mattjoyce/scriptbatch/internal/dispatch"
	"github.com/mattjoyce/scriptbatch/internal/events"
	"github.com/mattjoyce/scriptbatch/internal/incremental"
	"github.com/mattjoyce/scriptbatch/internal/log"
	"github.com/mattjoyce/scriptbatch/internal/outcome"
	"github.com/mattjoyce/scriptbatch/internal/protocol"
	"github.com/mattjoyce/scriptbatch/internal/report"
	"github.com/mattjoyce/scriptbatch/internal/source"
	"github.com/mattjoyce/scriptbatch/internal/state"
	"github.com/mattjoyce/scriptbatch/internal/worker"
)

// ErrProblems is returned, after the run was committed, when the script
// reported at least one error-severity problem.
var ErrProblems = errors.New("run reported errors")

// Result describes a finished run.
type Result struct {
	RunID   string
	Plan    *incremental.Plan
	Final   outcome.Final
	Summary report.Summary
}

// Runner runs the task of one configuration against one state store.
type Runner struct {
	cfg      *config.Config
	store    *state.Store
	tracker  *incremental.Tracker
	events   events.Publisher
	reporter report.Reporter
	exists   outcome.ExistsFunc
	now      func() time.Time
}

// Option customises a Runner.
type Option func(*Runner)

// WithEvents publishes run progress to p.
func WithEvents(p events.Publisher) Option {
	return func(r *Runner) { r.events = p }
}

// WithReporter replaces the default log reporter.
func WithReporter(rep report.Reporter) Option {
	return func(r *Runner) { r.reporter = rep }
}

// WithExists replaces the on-disk check used when carrying previous output
// files forward.
func WithExists(fn outcome.ExistsFunc) Option {
	return func(r *Runner) { r.exists = fn }
}

// New creates a Runner for the task in cfg that persists through store.
func New(cfg *config.Config, store *state.Store, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		store:   store,
		tracker: incremental.NewTracker(store),
		events:  events.Discard{},
		exists:  outcome.FileExists,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reporter == nil {
		r.reporter = report.LogReporter{Logger: log.WithComponent("report")}
	}
	return r
}

// Run discovers sources, dispatches the changed ones, reconciles output
// files and commits the outcome. A dispatch failure leaves the stored state
// untouched so the next run retries the same sources.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	return r.RunAs(ctx, uuid.NewString())
}

// RunAs is Run under a caller-chosen run id.
func (r *Runner) RunAs(ctx context.Context, runID string) (*Result, error) {
	logger := log.WithRun(runID)
	task := r.cfg.Task

	rec := state.Run{ID: runID, Task: task.Name, Status: state.RunRunning, StartedAt: r.now()}
	if err := r.store.RecordRun(ctx, rec); err != nil {
		return nil, err
	}
	r.events.Publish(runID, events.RunStarted, map[string]string{"task": task.Name})
	logger.Info("run started", "task", task.Name, "source_dir", task.SourceDir)

	res, err := r.run(ctx, runID, logger)
	if res != nil {
		rec.Sources = res.Summary.Sources
		rec.Changed = res.Summary.Changed
		rec.Unchanged = res.Summary.Unchanged
		rec.Removed = res.Summary.Removed
		rec.Problems = res.Summary.Infos + res.Summary.Warnings + res.Summary.Errors
		rec.Errors = res.Summary.Errors
		rec.OutputFiles = res.Summary.OutputFiles
	}

	done := r.now()
	rec.CompletedAt = &done
	switch {
	case err == nil:
		rec.Status = state.RunSucceeded
	case errors.Is(err, ErrProblems):
		rec.Status = state.RunProblems
		rec.LastError = err.Error()
	default:
		rec.Status = state.RunFailed
		rec.LastError = err.Error()
	}

	// The run outcome is already decided; recording it must not depend on a
	// cancelled caller context.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := r.store.RecordRun(recordCtx, rec); rerr != nil {
		logger.Error("failed to record run", "error", rerr)
	}

	if rec.Status == state.RunFailed {
		r.events.Publish(runID, events.RunFailed, map[string]string{"error": rec.LastError})
		logger.Error("run failed", "error", err, "elapsed", done.Sub(rec.StartedAt))
		return res, err
	}
	r.events.Publish(runID, events.RunFinished, res.Summary)
	logger.Info("run finished", "status", rec.Status, "elapsed", res.Summary.Elapsed)
	return res, err
}

func (r *Runner) run(ctx context.Context, runID string, logger *slog.Logger) (*Result, error) {
	start := r.now()
	task := r.cfg.Task

	options, err := task.OptionsJSON()
	if err != nil {
		return nil, err
	}
	spec, err := r.cfg.Engine.LaunchSpec()
	if err != nil {
		return nil, err
	}

	mappings, err := source.Discover(task.SourceDir, task.Include, task.Exclude)
	if err != nil {
		return nil, err
	}
	plan, err := r.tracker.Plan(ctx, task.Name, mappings, options)
	if err != nil {
		return nil, err
	}
	res := &Result{RunID: runID, Plan: plan}
	res.Summary.Sources = len(mappings)
	res.Summary.Changed = len(plan.Changed)
	res.Summary.Unchanged = len(plan.Unchanged)
	res.Summary.Removed = len(plan.Removed)
	r.events.Publish(runID, events.RunPlanned, map[string]int{
		"sources":   len(mappings),
		"changed":   len(plan.Changed),
		"unchanged": len(plan.Unchanged),
		"removed":   len(plan.Removed),
	})

	if len(plan.Changed) > 0 {
		if err := os.MkdirAll(task.TargetDir, 0o755); err != nil {
			return res, fmt.Errorf("create target dir: %w", err)
		}
	}

	registry := worker.NewRegistry(r.cfg.Engine.TerminationGrace)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("failed to close worker registry", "error", err)
		}
	}()

	engineLog := logger.With(slog.String("component", "engine"))
	sched := dispatch.New(registry, dispatch.Config{
		Name:             runID,
		Spec:             spec,
		Script:           task.Script,
		TargetDir:        task.TargetDir,
		Options:          options,
		PerSourceTimeout: r.cfg.Engine.TimeoutPerSource,
		Parallelism:      r.cfg.Engine.Parallelism,
	}, protocol.Sinks{
		Text:  func(line string) { engineLog.Info("engine output", "line", line) },
		Error: func(text string) { engineLog.Warn("engine stderr", "stderr", text) },
	}, logger.With(slog.String("component", "dispatch")))

	batches, err := sched.Run(ctx, plan.Changed)
	if err != nil {
		return res, err
	}
	r.events.Publish(runID, events.RunDispatched, map[string]int{"batches": len(batches)})

	final := outcome.Finalize(batches, plan.PreviousOutcome(), r.exists)
	res.Final = final
	r.reporter.Report(ctx, runID, final)

	if err := r.tracker.Commit(ctx, plan, runID, final); err != nil {
		return res, err
	}

	sum := report.Summarize(final)
	sum.Sources = res.Summary.Sources
	sum.Changed = res.Summary.Changed
	sum.Unchanged = res.Summary.Unchanged
	sum.Removed = res.Summary.Removed
	sum.Elapsed = r.now().Sub(start)
	res.Summary = sum

	if final.HasErrors() {
		return res, ErrProblems
	}
	return res, nil
}
