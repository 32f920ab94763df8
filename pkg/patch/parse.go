// Package patch extracts unified diffs from executor output and applies them
// to a repository with exact context verification.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DevNull is the path unified diffs use for a missing side.
const DevNull = "/dev/null"

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Hunk is one contiguous change inside a file section.
// Expected and Replacement lines keep their line terminators.
type Hunk struct {
	OldStart    int
	OldCount    int
	NewStart    int
	NewCount    int
	Expected    []string
	Replacement []string

	// Added and Removed count the + and - body lines.
	Added   int
	Removed int
}

// FileDiff is the section of a diff that targets one file.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk

	hasOldHeader bool
	hasNewHeader bool
}

// Target returns the path the section writes: the new path unless it is
// missing or /dev/null, otherwise the old path.
func (f *FileDiff) Target() string {
	if f.NewPath != "" && f.NewPath != DevNull {
		return f.NewPath
	}
	return f.OldPath
}

// IsDelete reports whether applying the section removes the target.
func (f *FileDiff) IsDelete() bool {
	return f.hasOldHeader && (!f.hasNewHeader || f.NewPath == DevNull)
}

// IsCreate reports whether the section creates a file that did not exist.
func (f *FileDiff) IsCreate() bool {
	return f.OldPath == DevNull
}

// Diff is a parsed unified diff.
type Diff struct {
	Files []FileDiff
}

// Parse reads a unified diff. Lines outside file sections and hunks, such as
// git index or mode lines, are skipped.
func Parse(text string) (*Diff, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	d := &Diff{}
	var current *FileDiff

	flush := func() {
		if current != nil && (current.hasOldHeader || current.hasNewHeader) {
			d.Files = append(d.Files, *current)
		}
		current = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			current = &FileDiff{}

		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			if current == nil || current.hasOldHeader || len(current.Hunks) > 0 {
				flush()
				current = &FileDiff{}
			}
			current.OldPath = stripPathPrefix(line[4:], "a/")
			current.hasOldHeader = true

		case strings.HasPrefix(line, "--- "):
			// Old-file header with no new-file header: the file is deleted.
			flush()
			current = &FileDiff{OldPath: stripPathPrefix(line[4:], "a/"), hasOldHeader: true}

		case strings.HasPrefix(line, "+++ "):
			if current == nil {
				current = &FileDiff{}
			}
			current.NewPath = stripPathPrefix(line[4:], "b/")
			current.hasNewHeader = true

		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, fmt.Errorf("line %d: hunk header outside a file section", i+1)
			}
			hunk, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			current.Hunks = append(current.Hunks, hunk)
			i = next - 1
		}
	}
	flush()

	return d, nil
}

// parseHunk parses the hunk starting at lines[start] and returns the index of
// the first line after its body.
func parseHunk(lines []string, start int) (Hunk, int, error) {
	m := hunkHeader.FindStringSubmatch(lines[start])
	if m == nil {
		return Hunk{}, 0, fmt.Errorf("line %d: malformed hunk header %q", start+1, lines[start])
	}

	h := Hunk{
		OldStart: atoi(m[1]),
		OldCount: atoiDefault(m[2], 1),
		NewStart: atoi(m[3]),
		NewCount: atoiDefault(m[4], 1),
	}

	oldSeen, newSeen := 0, 0
	// last records which lists the previous body line went into, so a
	// "\ No newline at end of file" marker can strip its terminator.
	var lastOld, lastNew bool

	i := start + 1
	for ; i < len(lines); i++ {
		line := lines[i]
		countsDone := oldSeen >= h.OldCount && newSeen >= h.NewCount

		if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "diff --git ") {
			break
		}
		if countsDone && strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			break
		}

		switch {
		case strings.HasPrefix(line, `\`):
			if lastOld && len(h.Expected) > 0 {
				h.Expected[len(h.Expected)-1] = strings.TrimSuffix(h.Expected[len(h.Expected)-1], "\n")
			}
			if lastNew && len(h.Replacement) > 0 {
				h.Replacement[len(h.Replacement)-1] = strings.TrimSuffix(h.Replacement[len(h.Replacement)-1], "\n")
			}
			continue
		case strings.HasPrefix(line, " "):
			h.Expected = append(h.Expected, line[1:]+"\n")
			h.Replacement = append(h.Replacement, line[1:]+"\n")
			oldSeen++
			newSeen++
			lastOld, lastNew = true, true
		case strings.HasPrefix(line, "-"):
			h.Expected = append(h.Expected, line[1:]+"\n")
			h.Removed++
			oldSeen++
			lastOld, lastNew = true, false
		case strings.HasPrefix(line, "+"):
			h.Replacement = append(h.Replacement, line[1:]+"\n")
			h.Added++
			newSeen++
			lastOld, lastNew = false, true
		case line == "" && !countsDone:
			// Some producers drop the leading space of blank context lines.
			h.Expected = append(h.Expected, "\n")
			h.Replacement = append(h.Replacement, "\n")
			oldSeen++
			newSeen++
			lastOld, lastNew = true, true
		default:
			return h, i, nil
		}
	}

	return h, i, nil
}

// stripPathPrefix normalizes a header path: drops a trailing timestamp,
// unquotes C-style quoting, and removes the a/ or b/ prefix.
func stripPathPrefix(raw, prefix string) string {
	p := raw
	if idx := strings.Index(p, "\t"); idx >= 0 {
		p = p[:idx]
	}
	p = strings.TrimRight(p, " \r")
	if strings.HasPrefix(p, `"`) {
		if unquoted, err := strconv.Unquote(p); err == nil {
			p = unquoted
		}
	}
	if p == DevNull {
		return p
	}
	return strings.TrimPrefix(p, prefix)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}
