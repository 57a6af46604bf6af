package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PathMapping pairs an absolute source file with its destination path,
// relative to the target directory. It is comparable and used as a map key.
type PathMapping struct {
	Source string
	Target string
}

// MarshalJSON encodes the mapping as the two-element wire array [abs, rel].
func (m PathMapping) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.Source, m.Target})
}

// UnmarshalJSON decodes the two-element wire array.
func (m *PathMapping) UnmarshalJSON(b []byte) error {
	decoded, err := decodeMapping(b)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

func (m PathMapping) String() string {
	return m.Source + " -> " + m.Target
}

// OpResult is the per-file outcome reported by the engine script.
// The zero value is a failure.
type OpResult struct {
	Succeeded    bool
	FilesWritten []string
}

// Success returns a successful result that wrote files.
func Success(files ...string) OpResult {
	if files == nil {
		files = []string{}
	}
	return OpResult{Succeeded: true, FilesWritten: files}
}

// Failure returns a failed result.
func Failure() OpResult {
	return OpResult{}
}

// MarshalJSON encodes the result in wire form: null or {"filesWritten":[...]}.
func (r OpResult) MarshalJSON() ([]byte, error) {
	if !r.Succeeded {
		return []byte("null"), nil
	}
	files := r.FilesWritten
	if files == nil {
		files = []string{}
	}
	return json.Marshal(struct {
		FilesWritten []string `json:"filesWritten"`
	}{files})
}

// UnmarshalJSON decodes the wire form.
func (r *OpResult) UnmarshalJSON(b []byte) error {
	decoded, err := decodeResult(b)
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

// Severity of a reported problem.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// ParseSeverity maps a wire severity to a Severity. Anything unknown is an error.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "info":
		return SeverityInfo
	case "warn", "warning":
		return SeverityWarning
	default:
		return SeverityError
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// Problem is one diagnostic emitted by an engine script. Problems belong to a
// batch, not to a particular PathMapping.
type Problem struct {
	Message         string   `json:"message"`
	Severity        Severity `json:"severity"`
	LineNumber      int      `json:"lineNumber"`
	CharacterOffset int      `json:"characterOffset"`
	LineContent     string   `json:"lineContent"`
	Source          string   `json:"source"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", p.Source, p.LineNumber, p.CharacterOffset, p.Severity, p.Message)
}

// Batch is the folded outcome of one worker invocation.
type Batch struct {
	Results  map[PathMapping]OpResult
	Problems []Problem
}

// NewBatch returns an empty batch.
func NewBatch() Batch {
	return Batch{Results: make(map[PathMapping]OpResult)}
}
