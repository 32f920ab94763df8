package executor

import (
	"context"
	"errors"

	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/process"
	"github.com/entrhq/taskgate/pkg/types"
)

// CodexDiff invokes an external text-generation process with the prompt on
// stdin. Its output must contain a unified diff. The default argv runs codex
// with --sandbox read-only and config validation rejects codex without it.
type CodexDiff struct {
	Argv   []string
	Env    []string
	logger *logging.Logger
}

// Kind implements Executor.
func (*CodexDiff) Kind() types.ExecutorKind { return types.ExecutorCodexDiff }

// Execute implements Executor.
func (c *CodexDiff) Execute(ctx context.Context, req Request) *Result {
	logger := c.logger
	if logger == nil {
		logger = logging.Discard()
	}

	prompt := systemPrompt + "\n\n" + BuildPrompt(req)
	if err := writeEvidence(req.EvidenceDir, PromptFile, prompt); err != nil {
		logger.Warnf("failed to write prompt evidence: %v", err)
	}

	res, err := process.Run(ctx, process.Spec{
		Argv:    c.Argv,
		Dir:     req.RepoRoot,
		Env:     c.Env,
		Stdin:   prompt,
		Timeout: req.Timeout,
		Stderr:  logger.Writer(),
	})
	if err != nil {
		return failure(types.ReasonExecutorFailed, "%v", err)
	}

	if err := writeEvidence(req.EvidenceDir, OutputFile, res.Output); err != nil {
		logger.Warnf("failed to write executor output evidence: %v", err)
	}

	if runErr := res.Err(c.Argv, req.Timeout); runErr != nil {
		reason := types.ReasonExecutorFailed
		var timeoutErr *process.TimeoutError
		if errors.As(runErr, &timeoutErr) {
			reason = types.ReasonExecutorTimeout
		}
		out := failure(reason, "%v", runErr)
		out.ExitCode = nonZero(res.ExitCode)
		out.Output = res.Output
		return out
	}

	return applyProposal(req, res.Output, logger)
}
