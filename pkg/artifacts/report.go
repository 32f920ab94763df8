package artifacts

import (
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/patch"
	"github.com/entrhq/taskgate/pkg/types"
)

// Report sections. The report_complete gate warns when one is missing.
const (
	SectionSummary      = "## Summary"
	SectionChangedFiles = "## Changed files"
	SectionTests        = "## Tests"
)

// RequiredSections lists the headings every report should carry.
var RequiredSections = []string{SectionSummary, SectionChangedFiles, SectionTests}

// Report contains everything rendered into report.md.
type Report struct {
	TaskID     string
	Title      string
	Role       string
	Executor   types.ExecutorKind
	Submission *types.Submission
	Stats      []patch.LineChanges
	Denied     []string
	StartTime  time.Time
	EndTime    time.Time
	Git        *GitInfo
}

// GitInfo contains git-related information
type GitInfo struct {
	Branch     string `json:"branch,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// RenderReport renders a human-readable markdown report.
func RenderReport(r *Report) string {
	var md strings.Builder
	sub := r.Submission

	title := r.Title
	if title == "" {
		title = r.TaskID
	}
	md.WriteString(fmt.Sprintf("# Task report: %s\n\n", title))
	md.WriteString(fmt.Sprintf("**Task ID:** %s\n\n", r.TaskID))
	if r.Role != "" {
		md.WriteString(fmt.Sprintf("**Role:** %s\n\n", r.Role))
	}
	if r.Executor != "" {
		md.WriteString(fmt.Sprintf("**Executor:** %s\n\n", r.Executor))
	}
	if !r.StartTime.IsZero() {
		md.WriteString(fmt.Sprintf("**Started:** %s\n\n", r.StartTime.Format(time.RFC3339)))
		md.WriteString(fmt.Sprintf("**Duration:** %s\n\n", r.EndTime.Sub(r.StartTime).Round(time.Millisecond)))
	}
	if r.Git != nil && r.Git.CommitHash != "" {
		md.WriteString(fmt.Sprintf("**Base commit:** %s (%s)\n\n", r.Git.CommitHash, r.Git.Branch))
	}

	md.WriteString(SectionSummary + "\n\n")
	md.WriteString(fmt.Sprintf("- **Status:** %s\n", sub.Status))
	if sub.ReasonCode != "" {
		md.WriteString(fmt.Sprintf("- **Reason:** %s\n", sub.ReasonCode))
	}
	md.WriteString(fmt.Sprintf("- **Exit code:** %d\n", sub.ExitCode))
	if sub.Summary != "" {
		md.WriteString(fmt.Sprintf("- **Details:** %s\n", sub.Summary))
	}
	for _, need := range sub.NeedsInput {
		md.WriteString(fmt.Sprintf("- **Needs input:** %s\n", need))
	}
	md.WriteString("\n")

	md.WriteString(SectionChangedFiles + "\n\n")
	if len(sub.ChangedFiles) == 0 {
		md.WriteString("No files changed.\n\n")
	} else {
		stats := make(map[string]patch.LineChanges, len(r.Stats))
		for _, s := range r.Stats {
			stats[s.Path] = s
		}
		for _, f := range sub.ChangedFiles {
			if s, ok := stats[f]; ok {
				md.WriteString(fmt.Sprintf("- `%s` (+%d/-%d lines)\n", f, s.LinesAdded, s.LinesRemoved))
			} else {
				md.WriteString(fmt.Sprintf("- `%s`\n", f))
			}
		}
		md.WriteString("\n")
	}
	if len(r.Denied) > 0 {
		md.WriteString("Denied by scope guard:\n\n")
		for _, d := range r.Denied {
			md.WriteString(fmt.Sprintf("- `%s`\n", d))
		}
		md.WriteString("\n")
	}

	md.WriteString(SectionTests + "\n\n")
	if len(sub.Tests.Commands) == 0 {
		md.WriteString("No tests declared.\n\n")
	} else {
		for _, c := range sub.Tests.Commands {
			md.WriteString(fmt.Sprintf("- `%s`\n", c))
		}
		md.WriteString(fmt.Sprintf("\n%s\n\n", sub.Tests.Summary))
	}

	return md.String()
}
