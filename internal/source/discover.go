// Package source finds the files a task processes.
package source

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/scriptbatch/internal/protocol"
)

// DefaultInclude matches every JavaScript source.
var DefaultInclude = []string{"*.js"}

// Discover walks dir and returns one mapping per matching regular file, in
// lexical order. Target is the slash-separated path relative to dir.
//
// A pattern without a slash matches the file's base name; a pattern with a
// slash matches the whole relative path. Hidden directories are skipped.
func Discover(dir string, include, exclude []string) ([]protocol.PathMapping, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve source dir: %w", err)
	}

	var out []protocol.PathMapping
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(include, rel) || matchAny(exclude, rel) {
			return nil
		}
		out = append(out, protocol.PathMapping{Source: p, Target: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		name := rel
		if !strings.Contains(p, "/") {
			name = path.Base(rel)
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
