// Package vcs reads repository state from git for reports and for executors
// that change files without producing a diff.
package vcs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/process"
)

// gitTimeout bounds every git invocation.
const gitTimeout = 30 * time.Second

// GitManager runs read-only git queries against one working tree.
type GitManager struct {
	workspaceDir string
}

// NewGitManager creates a git manager for workspaceDir.
func NewGitManager(workspaceDir string) *GitManager {
	return &GitManager{workspaceDir: workspaceDir}
}

// IsRepo reports whether the workspace is inside a git working tree.
func (g *GitManager) IsRepo(ctx context.Context) bool {
	out, err := g.execGit(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch, empty when detached.
func (g *GitManager) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.execGit(ctx, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit returns the full hash of HEAD.
func (g *GitManager) HeadCommit(ctx context.Context) (string, error) {
	out, err := g.execGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles returns modified, added, deleted, renamed and untracked paths,
// sorted, skipping anything under the given excluded prefixes.
func (g *GitManager) ChangedFiles(ctx context.Context, exclude ...string) ([]string, error) {
	out, err := g.execGit(ctx, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("failed to get changed files: %w", err)
	}
	return parsePorcelainZ(out, exclude), nil
}

// parsePorcelainZ parses `git status --porcelain -z`. Entries are
// "XY path\0"; renames and copies carry the original path as an extra entry.
func parsePorcelainZ(out string, exclude []string) []string {
	seen := make(map[string]bool)
	entries := strings.Split(out, "\x00")

	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		status, path := entry[:2], entry[3:]
		if status[0] == 'R' || status[0] == 'C' {
			// The next entry is the source path.
			i++
		}
		if !excluded(path, exclude) {
			seen[path] = true
		}
	}

	files := make([]string, 0, len(seen))
	for p := range seen {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

func excluded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.Trim(p, "/")
		if p != "" && (path == p || strings.HasPrefix(path, p+"/")) {
			return true
		}
	}
	return false
}

// execGit runs git in the workspace and returns its combined output.
func (g *GitManager) execGit(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	res, err := process.Run(ctx, process.Spec{Argv: argv, Dir: g.workspaceDir, Timeout: gitTimeout})
	if err != nil {
		return "", err
	}
	if runErr := res.Err(argv, gitTimeout); runErr != nil {
		return "", fmt.Errorf("git command failed: %w\nOutput: %s", runErr, res.Output)
	}
	return res.Output, nil
}
