package patch

import (
	"regexp"
	"strings"
)

// fencedBlock matches a markdown code fence with an optional info string.
var fencedBlock = regexp.MustCompile("(?ms)^[ \t]*```([A-Za-z0-9_+-]*)[^\n]*\n(.*?)^[ \t]*```[ \t]*$")

// diffTags are fence languages that explicitly declare diff syntax.
var diffTags = map[string]bool{
	"diff":  true,
	"patch": true,
	"udiff": true,
}

// Extract finds a unified diff in free-form executor output.
//
// A fenced block tagged as diff syntax wins over an untagged one, and either
// wins over the raw text. Each candidate must look like a unified diff.
func Extract(output string) (string, bool) {
	blocks := fencedBlock.FindAllStringSubmatch(output, -1)

	for _, block := range blocks {
		if diffTags[strings.ToLower(block[1])] && LooksLikeDiff(block[2]) {
			return ensureTrailingNewline(block[2]), true
		}
	}

	for _, block := range blocks {
		if LooksLikeDiff(block[2]) {
			return ensureTrailingNewline(block[2]), true
		}
	}

	if LooksLikeDiff(output) {
		return ensureTrailingNewline(output), true
	}

	return "", false
}

// LooksLikeDiff reports whether text has the shape of a unified diff: either
// it starts with a git diff header, or it carries both file headers and a
// hunk header.
func LooksLikeDiff(text string) bool {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if strings.HasPrefix(trimmed, "diff --git ") {
		return true
	}

	var hasOld, hasNew, hasHunk bool
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "):
			hasOld = true
		case strings.HasPrefix(line, "+++ "):
			hasNew = true
		case strings.HasPrefix(line, "@@"):
			hasHunk = true
		}
	}
	return hasOld && hasNew && hasHunk
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
