// Package report turns a run's outcome into log records, events and a
// one-line summary.
package report

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/scriptbatch/internal/events"
	"github.com/mattjoyce/scriptbatch/internal/outcome"
	"github.com/mattjoyce/scriptbatch/internal/protocol"
)

// Reporter receives the final outcome of a run.
type Reporter interface {
	Report(ctx context.Context, runID string, final outcome.Final)
}

// LogReporter writes every problem as a log record at its severity, and every
// failed source as a warning.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, runID string, final outcome.Final) {
	logger := r.Logger.With("run_id", runID)
	for _, p := range final.Problems {
		logger.Log(ctx, level(p.Severity), p.Message,
			"source", p.Source,
			"line", p.LineNumber,
			"column", p.CharacterOffset,
			"line_content", p.LineContent,
		)
	}
	for _, m := range final.Failed() {
		logger.Warn("source failed", "source", m.Source, "target", m.Target)
	}
}

func level(s protocol.Severity) slog.Level {
	switch s {
	case protocol.SeverityInfo:
		return slog.LevelInfo
	case protocol.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// EventReporter publishes each problem as a run.problem event.
type EventReporter struct {
	Events events.Publisher
}

func (r EventReporter) Report(_ context.Context, runID string, final outcome.Final) {
	for _, p := range final.Problems {
		r.Events.Publish(runID, events.ProblemFound, p)
	}
}

// Multi fans a report out to several reporters in order.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, runID string, final outcome.Final) {
	for _, r := range m {
		r.Report(ctx, runID, final)
	}
}
