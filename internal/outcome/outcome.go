// Package outcome merges batch results into the final result of a run and
// reconciles it with the files produced by the previous run.
package outcome

import (
	"os"
	"sort"

	"github.com/mattjoyce/scriptbatch/internal/protocol"
)

// Previous is what the last run left behind.
type Previous struct {
	Results     map[protocol.PathMapping]protocol.OpResult
	OutputFiles []string
}

// Final is the merged outcome of a run.
type Final struct {
	Results     map[protocol.PathMapping]protocol.OpResult
	Problems    []protocol.Problem
	OutputFiles []string
}

// ExistsFunc reports whether a file is present on disk.
type ExistsFunc func(path string) bool

// FileExists is the default ExistsFunc.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Finalize merges batches in the given order and computes the output file set:
// previous files that still exist and were not produced by a mapping
// reprocessed in this run, plus every file written by a success.
func Finalize(batches []protocol.Batch, prev Previous, exists ExistsFunc) Final {
	if exists == nil {
		exists = FileExists
	}

	final := Final{Results: make(map[protocol.PathMapping]protocol.OpResult)}
	for _, b := range batches {
		for m, r := range b.Results {
			final.Results[m] = r
		}
		final.Problems = append(final.Problems, b.Problems...)
	}

	superseded := make(map[string]struct{})
	for m := range final.Results {
		if r, ok := prev.Results[m]; ok {
			for _, f := range r.FilesWritten {
				superseded[f] = struct{}{}
			}
		}
	}

	seen := make(map[string]struct{})
	add := func(f string) {
		if _, dup := seen[f]; dup {
			return
		}
		seen[f] = struct{}{}
		final.OutputFiles = append(final.OutputFiles, f)
	}

	for _, f := range prev.OutputFiles {
		if _, gone := superseded[f]; gone {
			continue
		}
		if exists(f) {
			add(f)
		}
	}
	for _, r := range final.Results {
		if r.Succeeded {
			for _, f := range r.FilesWritten {
				add(f)
			}
		}
	}

	sort.Strings(final.OutputFiles)
	if final.OutputFiles == nil {
		final.OutputFiles = []string{}
	}
	return final
}

// Merge returns the outcome map to remember for the next run: the previous
// results of mappings still listed in keep, overlaid with this run's results.
// A nil keep retains every previous result.
func Merge(prev, current map[protocol.PathMapping]protocol.OpResult, keep []protocol.PathMapping) map[protocol.PathMapping]protocol.OpResult {
	out := make(map[protocol.PathMapping]protocol.OpResult, len(prev)+len(current))
	if keep == nil {
		for m, r := range prev {
			out[m] = r
		}
	} else {
		for _, m := range keep {
			if r, ok := prev[m]; ok {
				out[m] = r
			}
		}
	}
	for m, r := range current {
		out[m] = r
	}
	return out
}

// Failed returns the mappings whose result is a failure, sorted by source.
func (f Final) Failed() []protocol.PathMapping {
	var out []protocol.PathMapping
	for m, r := range f.Results {
		if !r.Succeeded {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// HasErrors reports whether any problem has error severity.
func (f Final) HasErrors() bool {
	for _, p := range f.Problems {
		if p.Severity == protocol.SeverityError {
			return true
		}
	}
	return false
}
