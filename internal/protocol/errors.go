package protocol

import "fmt"

// ExitError reports that an engine process exited non-zero. Callers treat it
// as fatal for the whole batch.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("engine exited with status %d", e.Code)
	}
	return fmt.Sprintf("engine exited with status %d: %s", e.Code, e.Stderr)
}

// ViolationError reports a structured payload that does not match the wire
// shape. The batch it came from is discarded.
type ViolationError struct {
	Reason string
	Err    error
}

func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "protocol violation: " + e.Reason
}

func (e *ViolationError) Unwrap() error { return e.Err }

func violation(err error, format string, args ...any) *ViolationError {
	return &ViolationError{Reason: fmt.Sprintf(format, args...), Err: err}
}
