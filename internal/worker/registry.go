package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/scriptbatch/internal/engine"
	"github.com/mattjoyce/scriptbatch/internal/log"
)

// DefaultTerminationGrace is the time we wait after SIGTERM before sending SIGKILL.
const DefaultTerminationGrace = 5 * time.Second

// ExecuteRequest asks a worker to run one script.
type ExecuteRequest struct {
	Script  string
	Args    []string
	Timeout time.Duration
}

// RawResult is the captured output of one execution.
type RawResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Handle addresses one launched worker.
type Handle struct {
	ID   string
	Name string
	Spec engine.LaunchSpec

	path string

	mu     sync.Mutex
	cmd    *exec.Cmd
	busy   bool
	closed bool
}

// Registry creates, tracks and tears down workers for one run.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	grace    time.Duration
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. A non-positive grace uses
// DefaultTerminationGrace.
func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultTerminationGrace
	}
	return &Registry{
		handles:  make(map[string]*Handle),
		grace:    grace,
		lookPath: exec.LookPath,
		logger:   log.WithComponent("worker"),
	}
}

// Launch resolves the engine executable and registers a handle under name.
func (r *Registry) Launch(ctx context.Context, name string, spec engine.LaunchSpec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: err}
	}
	if spec.Command == "" {
		return nil, &LaunchError{Name: name, Err: errors.New("engine command is empty")}
	}

	path, err := r.lookPath(spec.Command)
	if err != nil {
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: errors.New("registry is closed")}
	}
	if _, exists := r.handles[name]; exists {
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: errors.New("name already in use")}
	}

	h := &Handle{
		ID:   uuid.NewString(),
		Name: name,
		Spec: spec,
		path: path,
	}
	r.handles[name] = h
	r.logger.Debug("worker launched", "worker", name, "worker_id", h.ID, "engine", spec.Variant.String(), "path", path)
	return h, nil
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Execute runs req on h and waits for it to finish, time out, or for ctx to be
// cancelled. The process is always gone by the time Execute returns.
func (r *Registry) Execute(ctx context.Context, h *Handle, req ExecuteRequest) (RawResult, error) {
	logger := r.logger.With("worker", h.Name, "worker_id", h.ID)

	args := make([]string, 0, len(h.Spec.Args)+1+len(req.Args))
	args = append(args, h.Spec.Args...)
	args = append(args, req.Script)
	args = append(args, req.Args...)

	cmd := exec.Command(h.path, args...)
	cmd.Env = append(os.Environ(), h.Spec.Env...)
	cmd.WaitDelay = r.grace
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return RawResult{}, ErrShutdown
	case h.busy:
		h.mu.Unlock()
		return RawResult{}, fmt.Errorf("worker %q is already executing", h.Name)
	}

	logger.Debug("spawning engine", "script", req.Script, "timeout", req.Timeout)
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		return RawResult{}, &LaunchError{Name: h.Name, Command: h.Spec.Command, Err: err}
	}
	h.cmd = cmd
	h.busy = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.cmd = nil
		h.busy = false
		h.mu.Unlock()
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
		logger.Warn("engine timed out, sending SIGTERM", "timeout", req.Timeout)
		r.terminate(cmd, waitErr, logger)
		return capture(&stdout, &stderr, -1), &TimeoutError{Name: h.Name, Timeout: req.Timeout}

	case <-ctx.Done():
		logger.Warn("execution cancelled, terminating engine", "error", ctx.Err())
		r.terminate(cmd, waitErr, logger)
		return capture(&stdout, &stderr, -1), ctx.Err()

	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return capture(&stdout, &stderr, -1), fmt.Errorf("wait for engine: %w", err)
			}
			logger.Debug("engine exited with non-zero status", "exit_code", exitErr.ExitCode())
		}
		return capture(&stdout, &stderr, cmd.ProcessState.ExitCode()), nil
	}
}

// terminate sends SIGTERM, waits for the grace period, then SIGKILL.
func (r *Registry) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("engine exited after SIGTERM")
	case <-grace.C:
		logger.Warn("engine did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// Shutdown terminates any running process of h and removes it from the
// registry. Calling it more than once is harmless.
func (r *Registry) Shutdown(h *Handle) error {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	if cur, ok := r.handles[h.Name]; ok && cur == h {
		delete(r.handles, h.Name)
	}
	r.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.cmd != nil {
		r.logger.Warn("shutting down worker with a running engine", "worker", h.Name, "worker_id", h.ID)
		if err := signalGroup(h.cmd, syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill worker %q: %w", h.Name, err)
		}
	}
	r.logger.Debug("worker shut down", "worker", h.Name, "worker_id", h.ID)
	return nil
}

// Close shuts down every remaining handle and rejects further launches.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if h, ok := r.Lookup(name); ok {
			errs = append(errs, r.Shutdown(h))
		}
	}
	return errors.Join(errs...)
}

func capture(stdout, stderr *bytes.Buffer, code int) RawResult {
	return RawResult{
		Stdout:   bytes.Clone(stdout.Bytes()),
		Stderr:   bytes.Clone(stderr.Bytes()),
		ExitCode: code,
	}
}
