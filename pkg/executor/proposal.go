package executor

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/patch"
	"github.com/entrhq/taskgate/pkg/scope"
	"github.com/entrhq/taskgate/pkg/types"
)

// applyProposal turns generative output into repository changes: extract a
// diff, check its scope, then apply it. Nothing is written unless the guard
// passes.
func applyProposal(req Request, output string, logger *logging.Logger) *Result {
	diff, found := patch.Extract(output)
	if !found {
		return withOutput(failure(types.ReasonNoDiffFound, "executor output contains no unified diff"), output)
	}

	guard := scope.Guard(diff, req.Policy, req.Task, req.Pins)
	if !guard.OK {
		reason := types.ReasonScopeViolation
		if guard.Error == scope.ErrNoTouchedFiles {
			reason = types.ReasonNoDiffFound
		}
		for _, d := range guard.Denied {
			logger.Warnf("scope guard denied %s: %s", d.Path, d.Reason)
		}
		res := failure(reason, "scope guard rejected diff: %s", guard.Error)
		res.Guard = &guard
		res.Diff = diff
		res.TouchedFiles = guard.TouchedFiles
		return withOutput(res, output)
	}

	applied := patch.Apply(req.RepoRoot, diff)
	if !applied.OK {
		res := failure(types.ReasonPatchApplyFailed, "%s", applied.Error.Error())
		res.Guard = &guard
		res.Diff = diff
		res.TouchedFiles = guard.TouchedFiles
		return withOutput(res, output)
	}

	res := &Result{
		ChangedFiles: applied.AppliedFiles,
		TouchedFiles: guard.TouchedFiles,
		Diff:         diff,
		Guard:        &guard,
		Output:       output,
	}
	if parsed, err := patch.Parse(diff); err == nil {
		res.Stats = patch.Stats(parsed)
		for _, f := range parsed.Files {
			if f.IsCreate() {
				res.NewFiles = append(res.NewFiles, f.Target())
			}
		}
		sort.Strings(res.NewFiles)
	}
	logger.Infof("applied diff to %d file(s)", len(res.ChangedFiles))
	return res
}

func withOutput(res *Result, output string) *Result {
	res.Output = output
	return res
}

// writeEvidence stores one evidence file, creating the directory as needed.
func writeEvidence(dir, name, content string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}
