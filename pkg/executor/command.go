package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/process"
	"github.com/entrhq/taskgate/pkg/types"
	"github.com/entrhq/taskgate/pkg/vcs"
)

// Command runs the argument vector pre-declared in the task's runner
// section. Its exit code is the result.
type Command struct {
	Env    []string
	logger *logging.Logger
}

// Kind implements Executor.
func (*Command) Kind() types.ExecutorKind { return types.ExecutorCommand }

// Execute implements Executor.
func (c *Command) Execute(ctx context.Context, req Request) *Result {
	argv := req.Task.Runner.Command
	if len(argv) == 0 {
		return failure(types.ReasonExecutorFailed, "runner.command is empty")
	}

	git := vcs.NewGitManager(req.RepoRoot)
	isRepo := git.IsRepo(ctx)
	var before map[string]bool
	if isRepo {
		if files, err := git.ChangedFiles(ctx, req.ArtifactsDir); err == nil {
			before = toSet(files)
		}
	}

	c.log().Infof("running %s", strings.Join(argv, " "))
	res, err := process.Run(ctx, process.Spec{
		Argv:    argv,
		Dir:     req.RepoRoot,
		Env:     c.Env,
		Timeout: req.Timeout,
	})
	if err != nil {
		return failure(types.ReasonExecutorFailed, "%v", err)
	}

	out := &Result{ExitCode: res.ExitCode, Output: res.Output}
	if runErr := res.Err(argv, req.Timeout); runErr != nil {
		out.ExitCode = nonZero(res.ExitCode)
		out.Message = runErr.Error()
		out.Reason = types.ReasonExecutorFailed
		var timeoutErr *process.TimeoutError
		if errors.As(runErr, &timeoutErr) {
			out.Reason = types.ReasonExecutorTimeout
		}
	}

	if isRepo {
		files, err := git.ChangedFiles(ctx, req.ArtifactsDir)
		if err != nil {
			c.log().Warnf("could not list changed files: %v", err)
		} else {
			// Only report paths whose state changed during this run.
			for _, f := range files {
				if !before[f] {
					out.ChangedFiles = append(out.ChangedFiles, f)
				}
			}
		}
	}

	return out
}

func (c *Command) log() *logging.Logger {
	if c.logger == nil {
		return logging.Discard()
	}
	return c.logger
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// nonZero maps a missing or signal exit code to 1.
func nonZero(code int) int {
	if code <= 0 {
		return 1
	}
	return code
}
