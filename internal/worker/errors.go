package worker

import (
	"errors"
	"fmt"
	"time"
)

// ErrShutdown is returned when executing on a handle that was shut down.
var ErrShutdown = errors.New("worker is shut down")

// LaunchError reports that a worker could not be started.
type LaunchError struct {
	Name    string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch worker %q (%s): %v", e.Name, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError reports that a worker did not finish within its timeout and
// was terminated.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker %q timed out after %v", e.Name, e.Timeout)
}
