// Package snapshot mirrors a repository working tree into a sandbox directory
// before execution so it can be restored wholesale if verification fails.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExcludes are directory names never copied into a snapshot at any
// depth: VCS metadata and dependency caches.
var DefaultExcludes = []string{
	".git", ".hg", ".svn",
	"node_modules", ".venv", "venv", "__pycache__",
	".pytest_cache", ".mypy_cache", ".tox", ".gradle",
}

// RootExcludes are build and cache outputs skipped only at the repository
// root. A nested directory with the same name is source and is kept.
var RootExcludes = []string{".cache", ".next", "dist", "build", "target"}

// Options configures Take.
type Options struct {
	// BaseDir is where the sandbox directory is created. Empty means the
	// system temp directory.
	BaseDir string

	// ArtifactsDir is the repository-relative artifacts directory. It is
	// excluded from both the snapshot and the restore.
	ArtifactsDir string

	// Exclude lists additional entries to skip. A bare name matches a
	// directory or file with that name at any depth; an entry containing or
	// ending in a slash matches that repository-relative path and everything
	// below it.
	Exclude []string
}

// Handle is an owned snapshot of one repository.
type Handle struct {
	RepoRoot     string    `json:"repo_root"`
	Dir          string    `json:"dir"`
	ArtifactsDir string    `json:"artifacts_dir"`
	Excludes     []string  `json:"excludes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Take mirrors repoRoot into a fresh sandbox directory.
func Take(repoRoot string, opts Options) (*Handle, error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root is not a directory: %s", root)
	}

	if opts.BaseDir != "" {
		if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot base directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(opts.BaseDir, "taskgate-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	excludes := append([]string(nil), DefaultExcludes...)
	for _, name := range RootExcludes {
		excludes = append(excludes, name+"/")
	}
	excludes = append(excludes, opts.Exclude...)

	h := &Handle{
		RepoRoot:     root,
		Dir:          dir,
		ArtifactsDir: strings.Trim(filepath.ToSlash(opts.ArtifactsDir), "/"),
		Excludes:     excludes,
		CreatedAt:    time.Now().UTC(),
	}

	if err := mirror(root, dir, h.skip(dir)); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to mirror repository into snapshot: %w", err)
	}
	return h, nil
}

// Restore mirrors the snapshot back into the repository. Files created since
// the snapshot are deleted; excluded entries and the artifacts directory are
// left alone.
func (h *Handle) Restore() error {
	if h == nil {
		return errors.New("no snapshot to restore")
	}
	if _, err := os.Stat(h.Dir); err != nil {
		return fmt.Errorf("snapshot directory unavailable: %w", err)
	}
	if err := mirror(h.Dir, h.RepoRoot, h.skip(h.Dir)); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return nil
}

// Discard removes the sandbox directory.
func (h *Handle) Discard() error {
	if h == nil || h.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		return fmt.Errorf("failed to discard snapshot: %w", err)
	}
	return nil
}

// skip returns the exclusion predicate for repository-relative paths.
// sandbox is never copied even when it lives inside the repository.
func (h *Handle) skip(sandbox string) func(rel string) bool {
	names := make(map[string]bool)
	var prefixes []string
	for _, e := range h.Excludes {
		e = filepath.ToSlash(e)
		rootOnly := strings.HasSuffix(e, "/")
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		if rootOnly || strings.Contains(e, "/") {
			prefixes = append(prefixes, e)
		} else {
			names[e] = true
		}
	}
	if h.ArtifactsDir != "" {
		prefixes = append(prefixes, h.ArtifactsDir)
	}
	if rel, err := filepath.Rel(h.RepoRoot, sandbox); err == nil && !strings.HasPrefix(rel, "..") {
		prefixes = append(prefixes, filepath.ToSlash(rel))
	}

	return func(rel string) bool {
		for _, seg := range strings.Split(rel, "/") {
			if names[seg] {
				return true
			}
		}
		for _, p := range prefixes {
			if rel == p || strings.HasPrefix(rel, p+"/") {
				return true
			}
		}
		return false
	}
}

// mirror makes dst an exact copy of src, ignoring entries for which skip
// returns true on either side.
func mirror(src, dst string, skip func(rel string) bool) error {
	present := make(map[string]bool)

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		present[rel] = true
		return copyEntry(path, filepath.Join(dst, filepath.FromSlash(rel)), d)
	})
	if err != nil {
		return err
	}

	return filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if present[rel] {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

// copyEntry copies one directory, regular file, or symlink, replacing a
// destination entry of a different type.
func copyEntry(srcPath, dstPath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	if existing, err := os.Lstat(dstPath); err == nil {
		sameType := existing.Mode().Type() == info.Mode().Type()
		if !sameType || info.Mode()&fs.ModeSymlink != 0 {
			if err := os.RemoveAll(dstPath); err != nil {
				return err
			}
		}
	}

	switch {
	case info.IsDir():
		if err := os.MkdirAll(dstPath, info.Mode().Perm()|0o700); err != nil {
			return err
		}
		return os.Chmod(dstPath, info.Mode().Perm()|0o700)

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(srcPath)
		if err != nil {
			return err
		}
		return os.Symlink(target, dstPath)

	case info.Mode().IsRegular():
		return copyFile(srcPath, dstPath, info.Mode().Perm())

	default:
		// Sockets, devices and pipes are not part of a source tree.
		return nil
	}
}

func copyFile(srcPath, dstPath string, perm fs.FileMode) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.Remove(dstPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dstPath, perm)
}
