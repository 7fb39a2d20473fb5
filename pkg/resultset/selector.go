package resultset

import (
	"errors"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when a glob pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Selector picks result artifacts by include/exclude glob patterns.
//
// An artifact matches if it matches at least one include pattern and no
// exclude pattern. Safe for concurrent use after creation.
type Selector struct {
	includes []string
	excludes []string
}

// NewSelector compiles patterns. With no includes, every ".json" artifact matches.
func NewSelector(includes, excludes []string) (*Selector, error) {
	if len(includes) == 0 {
		includes = []string{"**/*.json"}
	}
	for _, p := range append(append([]string(nil), includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
	}
	return &Selector{includes: includes, excludes: excludes}, nil
}

// Match reports whether the relative artifact key is selected.
func (s *Selector) Match(key string) bool {
	matched := false
	for _, p := range s.includes {
		if ok, _ := doublestar.Match(p, key); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, p := range s.excludes {
		if ok, _ := doublestar.Match(p, key); ok {
			return false
		}
	}
	return true
}

// Prefixes returns the deduplicated literal prefixes of the include patterns.
// An empty string means a full listing is required.
func (s *Selector) Prefixes() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range s.includes {
		pre := literalPrefix(p)
		if pre == "" {
			return []string{""}
		}
		if !seen[pre] {
			seen[pre] = true
			out = append(out, pre)
		}
	}
	sort.Strings(out)
	return out
}

// literalPrefix returns the directory part of pattern before its first
// glob metacharacter.
func literalPrefix(pattern string) string {
	i := strings.IndexAny(pattern, `*?[{\`)
	if i == -1 {
		return pattern
	}
	pre := pattern[:i]
	if j := strings.LastIndex(pre, "/"); j >= 0 {
		return pre[:j+1]
	}
	return ""
}
