package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/scriptbatch/internal/engine"
	"github.com/mattjoyce/scriptbatch/internal/log"
	"github.com/mattjoyce/scriptbatch/internal/protocol"
	"github.com/mattjoyce/scriptbatch/internal/worker"
)

// Config describes what every batch of a run executes.
type Config struct {
	// Name prefixes worker names so concurrent runs never collide.
	Name             string
	Spec             engine.LaunchSpec
	Script           string
	TargetDir        string
	Options          string
	PerSourceTimeout time.Duration
	Parallelism      int
}

// Scheduler runs the changed sources of one run as concurrent batches.
type Scheduler struct {
	runtime Runtime
	cfg     Config
	sinks   protocol.Sinks
	logger  *slog.Logger
}

// New creates a Scheduler. Nil sinks default to the batch logger.
func New(rt Runtime, cfg Config, sinks protocol.Sinks, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	if cfg.Name == "" {
		cfg.Name = "run"
	}
	return &Scheduler{
		runtime: rt,
		cfg:     cfg,
		sinks:   sinks,
		logger:  logger,
	}
}

// Partition splits sources into contiguous chunks of max(1, n/parallelism).
// The final chunk holds the remainder.
func Partition(sources []protocol.PathMapping, parallelism int) [][]protocol.PathMapping {
	if len(sources) == 0 {
		return nil
	}
	if parallelism < 1 {
		parallelism = 1
	}
	size := max(1, len(sources)/parallelism)

	out := make([][]protocol.PathMapping, 0, (len(sources)+size-1)/size)
	for start := 0; start < len(sources); start += size {
		end := min(start+size, len(sources))
		out = append(out, sources[start:end:end])
	}
	return out
}

// BatchTimeout is the time one batch of n sources may take.
func BatchTimeout(perSource time.Duration, n int) time.Duration {
	return perSource * time.Duration(n)
}

// RunTimeout bounds the whole run of n changed sources.
func RunTimeout(perSource time.Duration, n int) time.Duration {
	return perSource * time.Duration(n)
}

// Run dispatches changed and returns the batch outcomes in completion order.
// Any failing batch fails the run and no partial results are returned.
func (s *Scheduler) Run(ctx context.Context, changed []protocol.PathMapping) ([]protocol.Batch, error) {
	if len(changed) == 0 {
		s.logger.Debug("no changed sources, nothing to dispatch")
		return nil, nil
	}

	batches := Partition(changed, s.cfg.Parallelism)
	runTimeout := RunTimeout(s.cfg.PerSourceTimeout, len(changed))

	runCtx, cancel := context.WithCancel(ctx)
	if runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, runTimeout)
	}
	defer cancel()

	s.logger.Info("dispatching batches",
		"sources", len(changed),
		"batches", len(batches),
		"parallelism", s.cfg.Parallelism,
		"run_timeout", runTimeout,
	)

	var (
		mu   sync.Mutex
		done = make([]protocol.Batch, 0, len(batches))
	)
	g, gctx := errgroup.WithContext(runCtx)
	for i, batch := range batches {
		g.Go(func() error {
			b, err := s.runBatch(gctx, i, batch)
			if err != nil {
				return &BatchError{Index: i, Size: len(batch), Err: err}
			}
			mu.Lock()
			done = append(done, b)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			mu.Lock()
			completed := len(done)
			mu.Unlock()
			s.logger.Error("run deadline exceeded, discarding completed batches", "completed", completed, "batches", len(batches))
			return nil, &RunTimeoutError{Timeout: runTimeout, Completed: completed, Total: len(batches)}
		}
		s.logger.Error("run failed", "error", err)
		return nil, err
	}
	return done, nil
}

// runBatch executes one batch from launch to shutdown.
func (s *Scheduler) runBatch(ctx context.Context, index int, batch []protocol.PathMapping) (protocol.Batch, error) {
	logger := log.WithBatch(s.logger, index, len(batch))

	args, err := protocol.EncodeArgs(batch, s.cfg.TargetDir, s.cfg.Options)
	if err != nil {
		return protocol.Batch{}, err
	}

	h, err := s.runtime.Launch(ctx, fmt.Sprintf("%s/batch-%d", s.cfg.Name, index), s.cfg.Spec)
	if err != nil {
		logger.Error("worker launch failed", "error", err)
		return protocol.Batch{}, err
	}
	defer func() {
		if err := s.runtime.Shutdown(h); err != nil {
			logger.Warn("worker shutdown failed", "error", err)
		}
	}()

	timeout := BatchTimeout(s.cfg.PerSourceTimeout, len(batch))
	raw, err := s.runtime.Execute(ctx, h, worker.ExecuteRequest{
		Script:  s.cfg.Script,
		Args:    args,
		Timeout: timeout,
	})
	if err != nil {
		logger.Error("engine execution failed", "error", err, "timeout", timeout)
		return protocol.Batch{}, err
	}

	payloads, err := protocol.ParseOutput(protocol.Output{
		Stdout:   raw.Stdout,
		Stderr:   raw.Stderr,
		ExitCode: raw.ExitCode,
	}, s.sinksFor(logger))
	if err != nil {
		logger.Error("engine output rejected", "error", err, "payloads", len(payloads))
		return protocol.Batch{}, err
	}

	b, err := protocol.Fold(payloads)
	if err != nil {
		logger.Error("engine payload rejected", "error", err)
		return protocol.Batch{}, err
	}
	dropForeign(b, batch, logger)

	logger.Info("batch completed", "results", len(b.Results), "problems", len(b.Problems))
	return b, nil
}

func (s *Scheduler) sinksFor(logger *slog.Logger) protocol.Sinks {
	sinks := s.sinks
	if sinks.Text == nil {
		sinks.Text = func(line string) { logger.Info("engine output", "line", line) }
	}
	if sinks.Error == nil {
		sinks.Error = func(text string) { logger.Warn("engine stderr", "stderr", text) }
	}
	return sinks
}

// dropForeign removes results for sources that were not part of the batch.
func dropForeign(b protocol.Batch, batch []protocol.PathMapping, logger *slog.Logger) {
	own := make(map[protocol.PathMapping]struct{}, len(batch))
	for _, m := range batch {
		own[m] = struct{}{}
	}
	for m := range b.Results {
		if _, ok := own[m]; !ok {
			logger.Warn("ignoring result for a source outside the batch", "source", m.Source, "target", m.Target)
			delete(b.Results, m)
		}
	}
}
