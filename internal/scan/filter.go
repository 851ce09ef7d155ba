package scan

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter decides whether a path participates in the scan, using two ordered
// glob lists. A file is included when at least one include pattern matches
// (an empty include list matches everything) and no exclude pattern matches;
// excludes always win. Patterns are matched against both the slash-form full
// path and the base name, so "*.jpg" and "**/cache/**" both behave as
// expected.
type Filter struct {
	includes []string
	excludes []string
}

// NewFilter validates the pattern lists and returns a filter. A nil filter
// is valid and includes every path.
func NewFilter(includes, excludes []string) (*Filter, error) {
	for _, p := range append(append([]string{}, includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return &Filter{includes: includes, excludes: excludes}, nil
}

// IncludeFile reports whether the file at path should be scanned.
func (f *Filter) IncludeFile(path string) bool {
	if f == nil {
		return true
	}
	if matchAny(f.excludes, path) {
		return false
	}
	if len(f.includes) == 0 {
		return true
	}
	return matchAny(f.includes, path)
}

// SkipDir reports whether traversal should prune the directory at path. Only
// excludes apply here: include patterns describe files, not the directories
// that lead to them.
func (f *Filter) SkipDir(path string) bool {
	if f == nil {
		return false
	}
	return matchAny(f.excludes, path)
}

func matchAny(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return false
	}
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, p := range patterns {
		pat := filepath.ToSlash(p)
		if ok, _ := doublestar.Match(pat, slashed); ok {
			return true
		}
		// Bare patterns like "*.jpg" or ".DS_Store" target the name only.
		if !strings.Contains(pat, "/") {
			if ok, _ := doublestar.Match(pat, base); ok {
				return true
			}
		}
	}
	return false
}
