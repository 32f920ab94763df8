package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/entrhq/taskgate/pkg/security/pathguard"
)

// Apply failure codes.
const (
	CodeHunkContextMismatch = "hunk_context_mismatch"
	CodePathEscape          = "path_escape"
	CodeNoFileSections      = "no_file_sections"
	CodeParseFailed         = "parse_failed"
	CodeReadFailed          = "read_failed"
	CodeWriteFailed         = "write_failed"
	CodeInvalidRepoRoot     = "invalid_repo_root"
	CodeFileExists          = "file_exists"
)

// ApplyError is a classified apply failure.
type ApplyError struct {
	Code string
	Path string
	Msg  string
}

func (e *ApplyError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Msg)
}

// ApplyResult reports the outcome of Apply. AppliedFiles is sorted and
// de-duplicated; it is empty when OK is false.
type ApplyResult struct {
	OK           bool
	Error        *ApplyError
	AppliedFiles []string
}

// pendingWrite is one computed file change, committed only after every
// section of the diff succeeded.
type pendingWrite struct {
	abs     string
	content string
	remove  bool
	mode    fs.FileMode
}

// Apply applies diffText to the repository at repoRoot.
//
// Every section is computed in memory first. Files are written only when all
// sections apply cleanly, so a failing section leaves the tree untouched.
func Apply(repoRoot, diffText string) ApplyResult {
	root, err := pathguard.NewRoot(repoRoot)
	if err != nil {
		return failed(CodeInvalidRepoRoot, repoRoot, err.Error())
	}

	d, err := Parse(diffText)
	if err != nil {
		return failed(CodeParseFailed, "", err.Error())
	}
	if len(d.Files) == 0 {
		return failed(CodeNoFileSections, "", "diff contains no file sections")
	}

	// Keyed by relative path so later sections for the same file build on
	// earlier ones.
	pending := make(map[string]*pendingWrite)

	for i := range d.Files {
		f := &d.Files[i]
		rel := pathguard.Normalize(f.Target())
		if rel == "" || rel == DevNull {
			return failed(CodeNoFileSections, "", fmt.Sprintf("file section %d has no target path", i+1))
		}

		abs, err := root.Resolve(rel)
		if err != nil {
			if errors.Is(err, pathguard.ErrPathEscape) {
				return failed(CodePathEscape, rel, "path escapes repository root")
			}
			return failed(CodePathEscape, rel, err.Error())
		}

		current, mode, exists, err := currentContent(pending[rel], abs)
		if err != nil {
			return failed(CodeReadFailed, rel, err.Error())
		}
		if exists && f.IsCreate() {
			return failed(CodeFileExists, rel, "creation section targets an existing file")
		}

		updated, err := ApplyHunks(SplitLinesKeepEnds(current), f.Hunks)
		if err != nil {
			return failed(CodeHunkContextMismatch, rel, err.Error())
		}

		pending[rel] = &pendingWrite{
			abs:     abs,
			content: strings.Join(updated, ""),
			remove:  f.IsDelete(),
			mode:    mode,
		}
	}

	files := make([]string, 0, len(pending))
	for rel := range pending {
		files = append(files, rel)
	}
	sort.Strings(files)

	for _, rel := range files {
		if err := commit(pending[rel]); err != nil {
			return failed(CodeWriteFailed, rel, err.Error())
		}
	}

	return ApplyResult{OK: true, AppliedFiles: files}
}

func failed(code, path, msg string) ApplyResult {
	return ApplyResult{Error: &ApplyError{Code: code, Path: path, Msg: msg}}
}

// currentContent returns the content a section applies against: an earlier
// pending change for the same path, else the file on disk, else empty.
// exists is false when the path is absent or removed by an earlier section.
func currentContent(prev *pendingWrite, abs string) (content string, mode fs.FileMode, exists bool, err error) {
	if prev != nil {
		if prev.remove {
			return "", prev.mode, false, nil
		}
		return prev.content, prev.mode, true, nil
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0o644, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	if info.IsDir() {
		return "", 0, false, fmt.Errorf("target is a directory")
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", 0, false, err
	}
	return string(data), info.Mode().Perm(), true, nil
}

func commit(w *pendingWrite) error {
	if w.remove {
		if err := os.Remove(w.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(w.abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.abs), ".taskgate-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_, err = tmp.WriteString(w.content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpPath, w.mode)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.abs); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// AppliedOffset is the line shift introduced by hunks[0:i]: the sum of
// len(Replacement) - len(Expected) over those hunks.
func AppliedOffset(hunks []Hunk, i int) int {
	offset := 0
	for _, h := range hunks[:i] {
		offset += len(h.Replacement) - len(h.Expected)
	}
	return offset
}

// ApplyHunks applies hunks, in order, to lines. Each hunk's expected lines
// must match the file exactly at its recorded position shifted by
// AppliedOffset.
func ApplyHunks(lines []string, hunks []Hunk) ([]string, error) {
	out := append([]string(nil), lines...)

	for i, h := range hunks {
		start := h.OldStart - 1 + AppliedOffset(hunks, i)
		if len(h.Expected) == 0 {
			// Pure insertion: OldStart names the line after which to insert.
			start = h.OldStart + AppliedOffset(hunks, i)
		}
		if start < 0 || start+len(h.Expected) > len(out) {
			return nil, fmt.Errorf("hunk %d: expected %d line(s) at line %d, file has %d", i+1, len(h.Expected), start+1, len(out))
		}

		for j, want := range h.Expected {
			if out[start+j] != want {
				return nil, fmt.Errorf("hunk %d: line %d: expected %q, found %q", i+1, start+j+1, want, out[start+j])
			}
		}

		next := make([]string, 0, len(out)-len(h.Expected)+len(h.Replacement))
		next = append(next, out[:start]...)
		next = append(next, h.Replacement...)
		next = append(next, out[start+len(h.Expected):]...)
		out = next
	}

	return out, nil
}

// SplitLinesKeepEnds splits s into lines, each keeping its trailing "\n".
// The final line has no terminator when s does not end with one.
func SplitLinesKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
