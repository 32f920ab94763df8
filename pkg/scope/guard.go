// Package scope decides, before anything is written, whether a proposed diff
// stays inside the paths a child task is authorized to modify.
package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/entrhq/taskgate/pkg/patch"
	"github.com/entrhq/taskgate/pkg/security/pathguard"
	"github.com/entrhq/taskgate/pkg/types"
)

// Guard failure codes.
const (
	ErrNoTouchedFiles = "diff_has_no_touched_files"
	ErrScopeViolation = "scope_violation"
	ErrInvalidPolicy  = "invalid_policy"
)

// Denial records why one touched file was rejected.
type Denial struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the outcome of Guard. When OK is false nothing may be applied.
type Result struct {
	OK           bool     `json:"ok"`
	TouchedFiles []string `json:"touched_files"`
	Denied       []Denial `json:"denied,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// DeniedPaths returns the rejected paths in order.
func (r Result) DeniedPaths() []string {
	paths := make([]string, 0, len(r.Denied))
	for _, d := range r.Denied {
		paths = append(paths, d.Path)
	}
	return paths
}

// Guard validates every file the diff touches against the role policy and,
// when they restrict the scope, the pins. A single denial fails the whole
// diff.
func Guard(diffText string, policy types.RolePolicy, task *types.ChildTask, pins *types.PinsSpec) Result {
	touched := TouchedFiles(diffText)
	if len(touched) == 0 {
		return Result{Error: ErrNoTouchedFiles}
	}

	matcher, err := pathguard.NewMatcher(policy.Permissions.Write.AllowPaths, policy.Permissions.Write.DenyPaths)
	if err != nil {
		return Result{TouchedFiles: touched, Error: ErrInvalidPolicy, Denied: []Denial{{Reason: err.Error()}}}
	}

	if pins == nil && task != nil {
		pins = task.Pins
	}

	var denied []Denial
	for _, p := range touched {
		if reason, ok := check(p, matcher, pins); !ok {
			denied = append(denied, Denial{Path: p, Reason: reason})
		}
	}

	if len(denied) > 0 {
		return Result{TouchedFiles: touched, Denied: denied, Error: ErrScopeViolation}
	}
	return Result{OK: true, TouchedFiles: touched}
}

func check(p string, matcher *pathguard.Matcher, pins *types.PinsSpec) (string, bool) {
	if !pathguard.IsSafeRelative(p) {
		return "path is absolute or contains '..'", false
	}

	if d := matcher.Check(p); !d.Allowed {
		return d.Reason, false
	}

	if pins.RestrictsPaths() {
		for _, prefix := range pins.AllowedPaths {
			if pathguard.HasPrefixDir(p, prefix) {
				return "", true
			}
		}
		return fmt.Sprintf("outside pinned paths %v", pins.AllowedPaths), false
	}

	return "", true
}

// TouchedFiles lists the paths named in the diff's file headers, sorted and
// de-duplicated. Git headers and ---/+++ pairs are both read; /dev/null is
// skipped. Hunk bodies never contribute paths.
func TouchedFiles(diffText string) []string {
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" || p == patch.DevNull {
			return
		}
		seen[strings.TrimPrefix(p, "./")] = true
	}

	for _, line := range strings.Split(strings.ReplaceAll(diffText, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			if a, b, ok := splitGitHeader(line[len("diff --git "):]); ok {
				add(a)
				add(b)
			}
		}
	}

	if d, err := patch.Parse(diffText); err == nil {
		for _, f := range d.Files {
			add(f.OldPath)
			add(f.NewPath)
		}
	} else {
		// Unparseable hunks: fall back to a plain header scan so a
		// malformed diff cannot hide a path from the guard.
		lines := strings.Split(diffText, "\n")
		for i, line := range lines {
			if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
				add(headerPath(line[4:], "a/"))
				add(headerPath(lines[i+1][4:], "b/"))
			}
		}
	}

	files := make([]string, 0, len(seen))
	for p := range seen {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// splitGitHeader splits "a/X b/Y" at the last " b/".
func splitGitHeader(s string) (string, string, bool) {
	idx := strings.LastIndex(s, " b/")
	if idx < 0 || !strings.HasPrefix(s, "a/") {
		return "", "", false
	}
	return s[len("a/"):idx], s[idx+len(" b/"):], true
}

func headerPath(raw, prefix string) string {
	p := raw
	if idx := strings.Index(p, "\t"); idx >= 0 {
		p = p[:idx]
	}
	p = strings.Trim(strings.TrimSpace(p), `"`)
	if p == patch.DevNull {
		return p
	}
	return strings.TrimPrefix(p, prefix)
}
