package dispatch

import (
	"context"

	"github.com/mattjoyce/scriptbatch/internal/engine"
	"github.com/mattjoyce/scriptbatch/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_runtime.go -package=mocks github.com/mattjoyce/scriptbatch/internal/dispatch Runtime

// Runtime launches, drives and releases engine workers. *worker.Registry
// implements it.
type Runtime interface {
	Launch(ctx context.Context, name string, spec engine.LaunchSpec) (*worker.Handle, error)
	Execute(ctx context.Context, h *worker.Handle, req worker.ExecuteRequest) (worker.RawResult, error)
	Shutdown(h *worker.Handle) error
}

var _ Runtime = (*worker.Registry)(nil)
