// Package pathguard provides the path checks every write in a task run goes
// through: glob allow/deny matching for role policies and a repository root
// boundary that rejects traversal and symlink escapes.
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside the repository root.
var ErrPathEscape = errors.New("path escapes repository root")

// PathEscapeError describes a rejected path.
type PathEscapeError struct {
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPathEscape.Error(), e.Path)
}

// Is lets errors.Is match ErrPathEscape.
func (e *PathEscapeError) Is(target error) bool {
	return target == ErrPathEscape
}

// Root enforces that resolved paths remain inside one directory.
type Root struct {
	dir string // absolute, symlink-evaluated
}

// NewRoot creates a boundary for the given directory.
// The directory path is converted to an absolute path, cleaned, and symlinks are evaluated.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("root directory cannot be empty")
	}

	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}

	evalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate root directory symlinks: %w", err)
	}

	return &Root{dir: evalPath}, nil
}

// Dir returns the absolute path of the root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve joins a repository-relative path onto the root and verifies the
// result, including any existing symlinked parents, stays inside the root.
func (r *Root) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(filepath.ToSlash(rel), "/") {
		return "", &PathEscapeError{Path: rel}
	}

	joined := filepath.Clean(filepath.Join(r.dir, filepath.FromSlash(rel)))
	if !r.contains(joined) {
		return "", &PathEscapeError{Path: rel}
	}

	if !r.contains(resolveSymlinks(joined)) {
		return "", &PathEscapeError{Path: rel}
	}

	return joined, nil
}

// Rel converts an absolute path inside the root to a slash-separated relative path.
func (r *Root) Rel(absPath string) (string, error) {
	if !r.contains(filepath.Clean(absPath)) {
		return "", &PathEscapeError{Path: absPath}
	}
	rel, err := filepath.Rel(r.dir, absPath)
	if err != nil {
		return "", fmt.Errorf("failed to make path relative: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func (r *Root) contains(absPath string) bool {
	return absPath == r.dir || strings.HasPrefix(absPath, r.dir+string(filepath.Separator))
}

// resolveSymlinks resolves symlinks in a path, handling non-existent paths
// by resolving the deepest existing parent and re-appending the rest.
func resolveSymlinks(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}

	var components []string
	current := p
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			result := resolved
			for i := len(components) - 1; i >= 0; i-- {
				result = filepath.Join(result, components[i])
			}
			return result
		}

		dir := filepath.Dir(current)
		if dir == current {
			return p
		}
		components = append(components, filepath.Base(current))
		current = dir
	}
}
