package executor

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a careful software engineer working on one narrowly-scoped change.
You cannot run commands or write files. Reply with exactly one unified diff
inside a fenced code block tagged "diff", with paths relative to the
repository root (a/ and b/ prefixes are fine). Every hunk must reproduce the
current file content exactly in its context and removed lines. Only touch the
files you are allowed to write.`

// BuildPrompt renders the task, its pins, and its write scope as markdown.
func BuildPrompt(req Request) string {
	var b strings.Builder
	task := req.Task

	title := task.Title
	if title == "" {
		title = "Child task"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Role: %s\n\n", task.Role)
	fmt.Fprintf(&b, "## Goal\n\n%s\n\n", strings.TrimSpace(task.Goal))

	writeList(&b, "Files", task.Files)
	writeList(&b, "Skills", task.Skills)

	if req.Pins != nil {
		writeList(&b, "Pinned paths", req.Pins.AllowedPaths)
		writeList(&b, "Pinned files", req.Pins.Files)
		writeList(&b, "Pinned symbols", req.Pins.Symbols)
	}

	writeList(&b, "Writable paths", req.Policy.Permissions.Write.AllowPaths)
	writeList(&b, "Never write", req.Policy.Permissions.Write.DenyPaths)

	b.WriteString("## Output\n\nRespond with a single ```diff fenced block containing the unified diff.\n")
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- `%s`\n", item)
	}
	b.WriteString("\n")
}
