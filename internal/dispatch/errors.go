package dispatch

import (
	"fmt"
	"time"
)

// BatchError wraps the failure of one batch.
type BatchError struct {
	Index int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d sources): %v", e.Index, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// RunTimeoutError reports that the run-wide deadline passed before every
// batch finished.
type RunTimeoutError struct {
	Timeout   time.Duration
	Completed int
	Total     int
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("run timed out after %v (%d of %d batches completed)", e.Timeout, e.Completed, e.Total)
}
