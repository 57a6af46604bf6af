package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	defaultMessage     = "unknown message"
	defaultLineContent = "unknown line content"
)

// Fold decodes payloads in order into one Batch. A later result for the same
// mapping replaces an earlier one; problems are concatenated. The first
// malformed payload aborts the fold.
func Fold(payloads []json.RawMessage) (Batch, error) {
	out := NewBatch()
	for i, raw := range payloads {
		b, err := DecodePayload(raw)
		if err != nil {
			return Batch{}, fmt.Errorf("payload %d: %w", i, err)
		}
		for m, r := range b.Results {
			out.Results[m] = r
		}
		out.Problems = append(out.Problems, b.Problems...)
	}
	return out, nil
}

// DecodePayload decodes one {"results":[...],"problems":[...]} document.
// Results appearing twice within the payload follow the same last-write-wins rule as Fold.
func DecodePayload(raw json.RawMessage) (Batch, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Batch{}, violation(err, "payload")
	}

	results, err := requireArray(obj, "results")
	if err != nil {
		return Batch{}, err
	}
	problems, err := requireArray(obj, "problems")
	if err != nil {
		return Batch{}, err
	}

	out := NewBatch()
	for i, entry := range results {
		m, r, err := decodeResultEntry(entry)
		if err != nil {
			return Batch{}, violation(err, "results[%d]", i)
		}
		out.Results[m] = r
	}
	for i, entry := range problems {
		p, err := decodeProblem(entry)
		if err != nil {
			return Batch{}, violation(err, "problems[%d]", i)
		}
		out.Problems = append(out.Problems, p)
	}
	return out, nil
}

func decodeResultEntry(raw json.RawMessage) (PathMapping, OpResult, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return PathMapping{}, OpResult{}, err
	}

	src, ok := obj["source"]
	if !ok {
		return PathMapping{}, OpResult{}, errors.New("missing source")
	}
	m, err := decodeMapping(src)
	if err != nil {
		return PathMapping{}, OpResult{}, fmt.Errorf("source: %w", err)
	}

	res, ok := obj["result"]
	if !ok {
		return PathMapping{}, OpResult{}, errors.New("missing result")
	}
	r, err := decodeResult(res)
	if err != nil {
		return PathMapping{}, OpResult{}, fmt.Errorf("result: %w", err)
	}
	return m, r, nil
}

func decodeMapping(raw json.RawMessage) (PathMapping, error) {
	pair, err := stringArray(raw)
	if err != nil {
		return PathMapping{}, errors.New("want [absolutePath, relativePath]")
	}
	if len(pair) != 2 {
		return PathMapping{}, fmt.Errorf("want 2 elements, got %d", len(pair))
	}
	return PathMapping{Source: pair[0], Target: pair[1]}, nil
}

// stringArray decodes a JSON array whose elements are all strings. Unlike
// unmarshalling into []string it rejects null elements.
func stringArray(raw json.RawMessage) ([]string, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || isNull(raw) {
		return nil, errors.New("not an array")
	}
	out := make([]string, 0, len(elems))
	for i, e := range elems {
		var s string
		if isNull(e) || json.Unmarshal(e, &s) != nil {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeResult(raw json.RawMessage) (OpResult, error) {
	if isNull(raw) {
		return Failure(), nil
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return OpResult{}, err
	}

	files := []string{}
	if fw, ok := obj["filesWritten"]; ok && !isNull(fw) {
		if files, err = stringArray(fw); err != nil {
			return OpResult{}, fmt.Errorf("filesWritten: %w", err)
		}
	}
	return Success(files...), nil
}

func decodeProblem(raw json.RawMessage) (Problem, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Problem{}, err
	}

	var p Problem
	if p.Message, err = optString(obj, "message", defaultMessage); err != nil {
		return Problem{}, err
	}
	severity, err := optString(obj, "severity", "")
	if err != nil {
		return Problem{}, err
	}
	p.Severity = ParseSeverity(severity)
	if p.LineNumber, err = optInt(obj, "lineNumber"); err != nil {
		return Problem{}, err
	}
	if p.CharacterOffset, err = optInt(obj, "characterOffset"); err != nil {
		return Problem{}, err
	}
	if p.LineContent, err = optString(obj, "lineContent", defaultLineContent); err != nil {
		return Problem{}, err
	}
	if p.Source, err = optString(obj, "source", ""); err != nil {
		return Problem{}, err
	}
	return p, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.New("not a JSON object")
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	return obj, nil
}

func requireArray(obj map[string]json.RawMessage, key string) ([]json.RawMessage, error) {
	raw, ok := obj[key]
	if !ok {
		return nil, violation(nil, "missing %q", key)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || isNull(raw) {
		return nil, violation(nil, "%q is not an array", key)
	}
	return arr, nil
}

func optString(obj map[string]json.RawMessage, key, def string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return def, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: want string", key)
	}
	return s, nil
}

func optInt(obj map[string]json.RawMessage, key string) (int, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%s: want integer", key)
	}
	return n, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
