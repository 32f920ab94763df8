// Package services connects the runner to its external collaborators: the
// code-index builder, the pins builder, and the preflight checker. Each is a
// command declared in configuration, with a built-in fallback when none is
// configured.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/process"
	"github.com/entrhq/taskgate/pkg/types"
)

// Request carries what every service call may need.
type Request struct {
	Task     *types.ChildTask
	TaskPath string // on-disk copy of Task, substituted for {task}
	RepoRoot string
	OutPath  string // evidence file the service may write, substituted for {out}
	Pins     *types.PinsSpec
}

// PreflightResult is the sufficiency verdict for a task.
type PreflightResult struct {
	Pass    bool     `json:"pass"`
	Missing []string `json:"missing,omitempty"`
}

// IndexBuilder refreshes the code index before a run.
type IndexBuilder interface {
	BuildIndex(ctx context.Context, req Request) error
}

// PinsBuilder computes the working set a task may touch.
type PinsBuilder interface {
	BuildPins(ctx context.Context, req Request) (*types.PinsSpec, error)
}

// PreflightChecker decides whether a task carries enough context to execute.
type PreflightChecker interface {
	Check(ctx context.Context, req Request) (PreflightResult, error)
}

// Command is an external service invocation. The task JSON is written to
// its stdin; structured results are read from stdout.
type Command struct {
	Argv    []string
	Timeout time.Duration
	Env     []string
}

func (c Command) run(ctx context.Context, req Request) ([]byte, error) {
	argv := Expand(c.Argv, req)
	stdin, err := json.Marshal(req.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}

	var stderr bytes.Buffer
	res, err := process.Run(ctx, process.Spec{
		Argv:    argv,
		Dir:     req.RepoRoot,
		Env:     c.Env,
		Stdin:   string(stdin),
		Timeout: c.Timeout,
		Stderr:  &stderr,
	})
	if err != nil {
		return nil, err
	}
	if runErr := res.Err(argv, c.Timeout); runErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", runErr, lastLine(msg))
		}
		return nil, runErr
	}
	return []byte(res.Output), nil
}

// Expand substitutes the {task}, {repo} and {out} placeholders. Only whole
// arguments are replaced.
func Expand(argv []string, req Request) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		switch arg {
		case "{task}":
			out[i] = req.TaskPath
		case "{repo}":
			out[i] = req.RepoRoot
		case "{out}":
			out[i] = req.OutPath
		default:
			out[i] = arg
		}
	}
	return out
}

func lastLine(s string) string {
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// CommandIndexBuilder runs an index build command; a zero exit is success.
type CommandIndexBuilder struct {
	Command
}

// BuildIndex implements IndexBuilder.
func (b *CommandIndexBuilder) BuildIndex(ctx context.Context, req Request) error {
	if _, err := b.run(ctx, req); err != nil {
		return fmt.Errorf("index build failed: %w", err)
	}
	return nil
}

// CommandPinsBuilder runs a command that prints a PinsSpec as JSON.
type CommandPinsBuilder struct {
	Command
}

// BuildPins implements PinsBuilder.
func (b *CommandPinsBuilder) BuildPins(ctx context.Context, req Request) (*types.PinsSpec, error) {
	out, err := b.run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("pins build failed: %w", err)
	}
	var pins types.PinsSpec
	if err := json.Unmarshal(bytes.TrimSpace(out), &pins); err != nil {
		return nil, fmt.Errorf("pins builder returned invalid JSON: %w", err)
	}
	return &pins, nil
}

// CommandPreflight runs a command that prints {pass, missing[]} as JSON.
type CommandPreflight struct {
	Command
}

// Check implements PreflightChecker.
func (p *CommandPreflight) Check(ctx context.Context, req Request) (PreflightResult, error) {
	out, err := p.run(ctx, req)
	if err != nil {
		return PreflightResult{}, fmt.Errorf("preflight failed: %w", err)
	}
	var res PreflightResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return PreflightResult{}, fmt.Errorf("preflight returned invalid JSON: %w", err)
	}
	return res, nil
}

// TaskPins returns the pins declared on the task itself, or an unrestricted
// spec naming the task's files.
type TaskPins struct{}

// BuildPins implements PinsBuilder.
func (TaskPins) BuildPins(_ context.Context, req Request) (*types.PinsSpec, error) {
	if req.Task == nil {
		return nil, fmt.Errorf("no task")
	}
	if req.Task.Pins != nil {
		pins := *req.Task.Pins
		return &pins, nil
	}
	return &types.PinsSpec{Files: append([]string(nil), req.Task.Files...)}, nil
}

// BasicPreflight requires a goal and some declared scope: task files, pinned
// files, or pinned paths.
type BasicPreflight struct{}

// Check implements PreflightChecker.
func (BasicPreflight) Check(_ context.Context, req Request) (PreflightResult, error) {
	var missing []string
	if req.Task == nil || strings.TrimSpace(req.Task.Goal) == "" {
		missing = append(missing, "goal")
	}

	hasScope := req.Task != nil && len(req.Task.Files) > 0
	if req.Pins != nil && (len(req.Pins.Files) > 0 || len(req.Pins.AllowedPaths) > 0) {
		hasScope = true
	}
	if !hasScope {
		missing = append(missing, "files")
	}

	return PreflightResult{Pass: len(missing) == 0, Missing: missing}, nil
}
