// Package executor runs the single execution step of a child task. An
// executor either changes the repository directly (command) or proposes a
// unified diff that is scope-checked and applied (codex_diff, openai_diff).
package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/patch"
	"github.com/entrhq/taskgate/pkg/scope"
	"github.com/entrhq/taskgate/pkg/types"
)

// Evidence file names written under the run's evidence directory.
const (
	PromptFile = "prompt.md"
	OutputFile = "executor_output.txt"
)

// Request is everything an executor may use.
type Request struct {
	Task        *types.ChildTask
	Policy      types.RolePolicy
	Pins        *types.PinsSpec
	RepoRoot    string
	EvidenceDir string
	// ArtifactsDir is repository-relative; changes below it are not
	// reported as task changes.
	ArtifactsDir string
	Timeout      time.Duration
}

// Result is the outcome of one executor run. ExitCode zero means success;
// on failure Reason says why.
type Result struct {
	ExitCode     int
	Reason       types.ReasonCode
	Message      string
	ChangedFiles []string
	NewFiles     []string
	TouchedFiles []string
	Diff         string
	Stats        []patch.LineChanges
	Guard        *scope.Result
	Output       string
}

// OK reports whether the executor succeeded.
func (r *Result) OK() bool {
	return r.ExitCode == 0
}

func failure(reason types.ReasonCode, format string, args ...interface{}) *Result {
	return &Result{ExitCode: 1, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Executor runs one child task step.
type Executor interface {
	Kind() types.ExecutorKind
	Execute(ctx context.Context, req Request) *Result
}

// New builds the executor for kind from configuration.
func New(kind types.ExecutorKind, cfg config.ExecutorConfig, logger *logging.Logger) (Executor, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	env := FilterEnv(os.Environ(), cfg.EnvPassthrough)

	switch kind {
	case types.ExecutorNoop:
		return &Noop{}, nil
	case types.ExecutorCommand:
		return &Command{Env: env, logger: logger.With("executor.command")}, nil
	case types.ExecutorCodexDiff:
		if len(cfg.Codex.Argv) == 0 {
			return nil, fmt.Errorf("executor.codex.argv is not configured")
		}
		return &CodexDiff{Argv: cfg.Codex.Argv, Env: env, logger: logger.With("executor.codex")}, nil
	case types.ExecutorOpenAIDiff:
		return &OpenAIDiff{Config: cfg.OpenAI, logger: logger.With("executor.openai")}, nil
	default:
		return nil, fmt.Errorf("unknown executor %q", kind)
	}
}

// FilterEnv keeps only the named variables from environ.
func FilterEnv(environ, allow []string) []string {
	keep := make(map[string]bool, len(allow))
	for _, name := range allow {
		keep[name] = true
	}
	out := make([]string, 0, len(allow))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if keep[name] {
			out = append(out, kv)
		}
	}
	return out
}

// Noop succeeds without touching the repository.
type Noop struct{}

// Kind implements Executor.
func (*Noop) Kind() types.ExecutorKind { return types.ExecutorNoop }

// Execute implements Executor.
func (*Noop) Execute(context.Context, Request) *Result {
	return &Result{Message: "noop executor"}
}
