package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Level is the console verbosity.
type Level int

const (
	// LevelQuiet shows only errors, warnings and the final summary.
	LevelQuiet Level = iota
	// LevelNormal shows pipeline progress (default).
	LevelNormal
	// LevelVerbose adds per-step details.
	LevelVerbose
	// LevelDebug shows everything.
	LevelDebug
)

// ParseLevel converts a verbosity name to a Level. Unknown names map to
// LevelNormal.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "quiet":
		return LevelQuiet
	case "verbose":
		return LevelVerbose
	case "debug":
		return LevelDebug
	default:
		return LevelNormal
	}
}

var (
	salmonPink = lipgloss.Color("#FFB3BA")
	mintGreen  = lipgloss.Color("#A8E6CF")
	amber      = lipgloss.Color("#FFD580")
	errorRed   = lipgloss.Color("#FF6B6B")
	mutedGray  = lipgloss.Color("#6B7280")
	white      = lipgloss.Color("#F9FAFB")

	headerStyle  = lipgloss.NewStyle().Foreground(white).Bold(true)
	sectionStyle = lipgloss.NewStyle().Foreground(salmonPink).Bold(true)
	ruleStyle    = lipgloss.NewStyle().Foreground(mutedGray)
	successStyle = lipgloss.NewStyle().Foreground(mintGreen).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(salmonPink)
	warnStyle    = lipgloss.NewStyle().Foreground(amber)
	errStyle     = lipgloss.NewStyle().Foreground(errorRed).Bold(true)
	detailStyle  = lipgloss.NewStyle().Foreground(mutedGray)
)

// Console prints human-facing progress for a run.
type Console struct {
	level     Level
	writer    io.Writer
	startTime time.Time
	stepCount int
}

// NewConsole creates a console writing to stdout.
func NewConsole(level Level) *Console {
	return NewConsoleTo(os.Stdout, level)
}

// NewConsoleTo creates a console writing to w.
func NewConsoleTo(w io.Writer, level Level) *Console {
	return &Console{level: level, writer: w, startTime: time.Now()}
}

// Header prints a prominent header message
func (c *Console) Header(message string) {
	if c.level >= LevelNormal {
		rule := headerStyle.Render(strings.Repeat("=", 70))
		fmt.Fprintf(c.writer, "\n%s\n%s\n%s\n", rule, headerStyle.Render("  "+message), rule)
	}
}

// Section prints a section divider
func (c *Console) Section(title string) {
	if c.level >= LevelNormal {
		fmt.Fprintln(c.writer)
		fmt.Fprintln(c.writer, sectionStyle.Render("▶ "+title))
		fmt.Fprintln(c.writer, ruleStyle.Render(strings.Repeat("─", 50)))
	}
}

// Step prints a numbered step
func (c *Console) Step(message string) {
	if c.level >= LevelNormal {
		c.stepCount++
		fmt.Fprintln(c.writer, infoStyle.Render(fmt.Sprintf("[%d] %s", c.stepCount, message)))
	}
}

// Successf prints a success message with checkmark
func (c *Console) Successf(format string, args ...interface{}) {
	if c.level >= LevelNormal {
		fmt.Fprintln(c.writer, successStyle.Render("✓ "+fmt.Sprintf(format, args...)))
	}
}

// Infof prints an informational message
func (c *Console) Infof(format string, args ...interface{}) {
	if c.level >= LevelNormal {
		fmt.Fprintln(c.writer, infoStyle.Render(fmt.Sprintf(format, args...)))
	}
}

// Warningf prints a warning message
func (c *Console) Warningf(format string, args ...interface{}) {
	fmt.Fprintln(c.writer, warnStyle.Render("⚠ Warning: "+fmt.Sprintf(format, args...)))
}

// Errorf prints an error message
func (c *Console) Errorf(format string, args ...interface{}) {
	fmt.Fprintln(c.writer, errStyle.Render("✗ Error: "+fmt.Sprintf(format, args...)))
}

// Verbosef prints detail only in verbose mode
func (c *Console) Verbosef(format string, args ...interface{}) {
	if c.level >= LevelVerbose {
		fmt.Fprintln(c.writer, detailStyle.Render("→ "+fmt.Sprintf(format, args...)))
	}
}

// Debugf prints debug information only in debug mode
func (c *Console) Debugf(format string, args ...interface{}) {
	if c.level >= LevelDebug {
		fmt.Fprintln(c.writer, detailStyle.Render("[DEBUG] "+fmt.Sprintf(format, args...)))
	}
}

// FileModified logs one changed file with its line counts.
func (c *Console) FileModified(path string, linesAdded, linesRemoved int) {
	if c.level >= LevelNormal {
		change := ""
		if linesAdded > 0 || linesRemoved > 0 {
			change = fmt.Sprintf(" (+%d/-%d)", linesAdded, linesRemoved)
		}
		fmt.Fprintln(c.writer, successStyle.Render("  Modified: "+path+change))
	}
}

// Gate logs one gate result.
func (c *Console) Gate(name, status string, details []string) {
	if c.level < LevelNormal {
		return
	}
	switch status {
	case "PASS":
		fmt.Fprintln(c.writer, successStyle.Render("  ✓ "+name))
	case "WARN":
		fmt.Fprintln(c.writer, warnStyle.Render("  ⚠ "+name))
	default:
		fmt.Fprintln(c.writer, errStyle.Render(fmt.Sprintf("  ✗ %s (%s)", name, status)))
	}
	if c.level >= LevelVerbose {
		for _, d := range details {
			fmt.Fprintln(c.writer, detailStyle.Render("      "+d))
		}
	}
}

// Summary prints the closing block shown at every verbosity.
func (c *Console) Summary(taskID, status, reason, verdict string) {
	rule := headerStyle.Render(strings.Repeat("=", 70))
	fmt.Fprintln(c.writer)
	fmt.Fprintln(c.writer, rule)
	fmt.Fprintln(c.writer, headerStyle.Render("  RUN SUMMARY"))
	fmt.Fprintln(c.writer, rule)

	statusStyle := successStyle
	switch status {
	case "FAILED":
		statusStyle = errStyle
	case "NEED_INPUT":
		statusStyle = warnStyle
	}
	fmt.Fprintf(c.writer, "  Task:     %s\n", taskID)
	fmt.Fprintf(c.writer, "  Status:   %s\n", statusStyle.Render(status))
	if reason != "" {
		fmt.Fprintf(c.writer, "  Reason:   %s\n", reason)
	}
	if verdict != "" {
		fmt.Fprintf(c.writer, "  Verdict:  %s\n", verdict)
	}
	fmt.Fprintf(c.writer, "  Duration: %s\n", time.Since(c.startTime).Round(time.Millisecond))
	fmt.Fprintln(c.writer, rule)
}
