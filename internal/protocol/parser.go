package protocol

import (
	"encoding/json"
	"strings"
)

// Sentinel marks the start of an embedded JSON payload on an output line.
const Sentinel = '\x10'

// Output is the raw capture of one engine invocation.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Sinks receive the non-structured parts of an engine's output. Both may be
// nil. Batches run concurrently, so shared sinks must be safe for concurrent use.
type Sinks struct {
	Text  func(line string)
	Error func(text string)
}

// ParseOutput splits an engine's stdout into text lines and structured
// payloads.
//
// Stderr is forwarded to the error sink in one call whenever it is non-empty.
// A line holding the sentinel contributes its prefix (if any) to the text sink
// and its suffix as one JSON payload. When the exit code is non-zero every
// valid payload is still returned, together with an *ExitError.
func ParseOutput(out Output, sinks Sinks) ([]json.RawMessage, error) {
	if len(out.Stderr) > 0 && sinks.Error != nil {
		sinks.Error(string(out.Stderr))
	}

	var (
		payloads []json.RawMessage
		firstErr error
	)
	for i, line := range SplitLines(string(out.Stdout)) {
		idx := strings.IndexByte(line, Sentinel)
		if idx < 0 {
			if sinks.Text != nil {
				sinks.Text(line)
			}
			continue
		}

		if idx > 0 && sinks.Text != nil {
			sinks.Text(line[:idx])
		}
		doc := line[idx+1:]
		if !json.Valid([]byte(doc)) {
			if firstErr == nil {
				firstErr = violation(nil, "line %d: payload is not valid JSON", i+1)
			}
			continue
		}
		payloads = append(payloads, json.RawMessage(doc))
	}

	if out.ExitCode != 0 {
		return payloads, &ExitError{Code: out.ExitCode, Stderr: string(out.Stderr)}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return payloads, nil
}

// SplitLines splits s on \r?\n. Trailing empty lines are dropped, so output
// ending in a newline does not produce an extra empty line.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
