package pathguard

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// MatchAll is the allow pattern that admits every path.
const MatchAll = "**"

// Matcher handles glob pattern matching for write access control.
// Deny patterns always take precedence over allow patterns, and a path that
// matches no allow pattern is rejected.
type Matcher struct {
	allowAll bool
	allowed  []compiledPattern
	denied   []compiledPattern
}

type compiledPattern struct {
	source string
	glob   glob.Glob
}

// Decision explains why a path was accepted or rejected.
type Decision struct {
	Path    string
	Allowed bool
	Reason  string
}

// NewMatcher compiles allow and deny patterns.
func NewMatcher(allow, deny []string) (*Matcher, error) {
	m := &Matcher{}

	for _, pattern := range allow {
		if pattern == MatchAll {
			m.allowAll = true
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern '%s': %w", pattern, err)
		}
		m.allowed = append(m.allowed, compiledPattern{source: pattern, glob: g})
	}

	for _, pattern := range deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern '%s': %w", pattern, err)
		}
		m.denied = append(m.denied, compiledPattern{source: pattern, glob: g})
	}

	return m, nil
}

// Check evaluates a repository-relative path against the patterns.
func (m *Matcher) Check(p string) Decision {
	p = Normalize(p)

	for _, pattern := range m.denied {
		if pattern.glob.Match(p) {
			return Decision{Path: p, Allowed: false, Reason: fmt.Sprintf("matches deny pattern '%s'", pattern.source)}
		}
	}

	if m.allowAll {
		return Decision{Path: p, Allowed: true, Reason: "allow_paths contains **"}
	}

	for _, pattern := range m.allowed {
		if pattern.glob.Match(p) {
			return Decision{Path: p, Allowed: true, Reason: fmt.Sprintf("matches allow pattern '%s'", pattern.source)}
		}
	}

	return Decision{Path: p, Allowed: false, Reason: "matches no allow pattern"}
}

// IsAllowed returns true if the path is allowed by the pattern rules.
func (m *Matcher) IsAllowed(p string) bool {
	return m.Check(p).Allowed
}

// Normalize converts a path to the slash-separated, cleaned form used for matching.
func Normalize(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return p
	}
	return path.Clean(p)
}

// IsSafeRelative reports whether p is a relative path that stays inside its root.
func IsSafeRelative(p string) bool {
	if p == "" {
		return false
	}
	slashed := filepath.ToSlash(p)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) {
		return false
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// HasPrefixDir reports whether p equals prefix or lies underneath it.
func HasPrefixDir(p, prefix string) bool {
	p = Normalize(p)
	prefix = strings.TrimSuffix(Normalize(prefix), "/")
	if prefix == "" || prefix == "." {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
