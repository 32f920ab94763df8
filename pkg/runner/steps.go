package runner

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/artifacts"
	"github.com/entrhq/taskgate/pkg/executor"
	"github.com/entrhq/taskgate/pkg/gates"
	"github.com/entrhq/taskgate/pkg/process"
	"github.com/entrhq/taskgate/pkg/security/pathguard"
	"github.com/entrhq/taskgate/pkg/services"
	"github.com/entrhq/taskgate/pkg/snapshot"
	"github.com/entrhq/taskgate/pkg/types"
)

// precheck validates the input and refreshes the code index.
func (x *run) precheck() State {
	if serr := x.validate(); serr != nil {
		x.finish(types.StatusFailed, serr, nil)
		return StateVerify
	}

	idx := x.r.deps.Services.Index
	if idx == nil {
		x.event(types.EventTypeIndexSkipped, "no index builder configured")
		x.console.Verbosef("No index builder configured")
		return StatePins
	}
	x.console.Step("Refreshing code index")
	if err := idx.BuildIndex(x.ctx, x.serviceRequest(EvidenceIndex)); err != nil {
		x.finish(types.StatusFailed, &StepError{Reason: types.ReasonMapBuildFailed, Err: err}, nil)
		return StateEnd
	}
	x.console.Successf("Code index refreshed")
	return StatePins
}

// validate resolves the executor and role policy and rejects malformed input.
func (x *run) validate() *StepError {
	task := x.task

	x.kind = x.opts.Executor
	if x.kind == "" {
		x.kind = task.Runner.Executor
	}
	if x.kind == "" {
		x.kind = types.ExecutorNoop
	}

	if x.opts.TaskError != nil {
		return &StepError{Reason: types.ReasonInvalidTask, Err: x.opts.TaskError}
	}
	if err := task.Validate(); err != nil {
		return &StepError{Reason: types.ReasonInvalidTask, Err: err}
	}
	if _, err := types.ParseExecutorKind(string(x.kind)); err != nil {
		return &StepError{Reason: types.ReasonInvalidTask, Err: err}
	}
	if x.r.policies == nil {
		return stepErrorf(types.ReasonInvalidTask, "no role policies loaded")
	}
	policy, err := x.r.policies.Role(task.Role)
	if err != nil {
		return &StepError{Reason: types.ReasonInvalidTask, Err: err}
	}
	if _, err := pathguard.NewMatcher(policy.Permissions.Write.AllowPaths, policy.Permissions.Write.DenyPaths); err != nil {
		return stepErrorf(types.ReasonInvalidTask, "role %q has an invalid write policy: %v", task.Role, err)
	}
	x.policy = policy

	if !task.ExecutorAllowed(x.kind) {
		return stepErrorf(types.ReasonExecutorNotAllowed, "executor %q is not in allowedExecutors", x.kind)
	}
	model := task.Runner.Model
	if model == "" && x.kind == types.ExecutorOpenAIDiff {
		model = x.r.cfg.Executor.OpenAI.Model
	}
	if model != "" && !task.ModelAllowed(model) {
		return stepErrorf(types.ReasonModelNotAllowed, "model %q is not in allowedModels", model)
	}

	for _, c := range task.AllowedTests {
		if _, err := process.SplitCommand(c); err != nil {
			return stepErrorf(types.ReasonInvalidTask, "allowedTests entry %q: %v", c, err)
		}
	}
	return nil
}

func (x *run) buildPins() State {
	x.console.Step("Computing pins")
	pins, err := x.r.deps.Services.Pins.BuildPins(x.ctx, x.serviceRequest(EvidencePins))
	if err != nil {
		x.finish(types.StatusNeedInput, &StepError{Reason: types.ReasonPinsBuildFailed, Err: err}, []string{"pins: " + err.Error()})
		return StateEnd
	}
	if pins == nil {
		pins = &types.PinsSpec{}
	}
	x.pins = pins
	if err := x.w.WriteEvidence(EvidencePins, pins); err != nil {
		x.log.Warnf("failed to write pins evidence: %v", err)
	}
	x.console.Verbosef("Pins: %d path(s), %d file(s)", len(pins.AllowedPaths), len(pins.Files))
	return StatePreflight
}

func (x *run) preflight() State {
	x.console.Step("Checking preflight")
	res, err := x.r.deps.Services.Preflight.Check(x.ctx, x.serviceRequest(EvidencePreflight))
	if err != nil {
		res = services.PreflightResult{Missing: []string{"preflight: " + err.Error()}}
	}
	if err := x.w.WriteEvidence(EvidencePreflight, res); err != nil {
		x.log.Warnf("failed to write preflight evidence: %v", err)
	}
	if !res.Pass {
		missing := res.Missing
		if len(missing) == 0 {
			missing = []string{"preflight check did not pass"}
		}
		x.finish(types.StatusNeedInput,
			stepErrorf(types.ReasonPreflightFailed, "missing: %s", strings.Join(missing, ", ")), missing)
		return StateVerify
	}
	x.console.Successf("Preflight passed")
	return StateExec
}

func (x *run) runExec() State {
	cfg := x.r.cfg

	if x.opts.Snapshot {
		x.console.Step("Taking snapshot")
		h, err := snapshot.Take(x.repoRoot, snapshot.Options{
			BaseDir:      cfg.Snapshot.Dir,
			ArtifactsDir: cfg.ArtifactsDir,
			Exclude:      cfg.Snapshot.Exclude,
		})
		if err != nil {
			x.finish(types.StatusFailed, &StepError{Reason: types.ReasonSnapshotFailed, Err: err}, nil)
			return StateVerify
		}
		x.snap = h
		x.event(types.EventTypeSnapshotTaken, "", "dir", h.Dir)
	}

	if serr := x.runTests(); serr != nil {
		x.finish(types.StatusFailed, serr, nil)
		return StateVerify
	}

	ex, err := x.r.deps.NewExecutor(x.kind)
	if err != nil {
		x.finish(types.StatusFailed, &StepError{Reason: types.ReasonExecutorFailed, Err: err}, nil)
		return StateVerify
	}

	x.console.Step(fmt.Sprintf("Running executor %s", x.kind))
	res := ex.Execute(x.ctx, executor.Request{
		Task:         x.task,
		Policy:       x.policy,
		Pins:         x.pins,
		RepoRoot:     x.repoRoot,
		EvidenceDir:  x.w.Abs(x.w.Layout().EvidenceDir),
		ArtifactsDir: cfg.ArtifactsDir,
		Timeout:      cfg.Timeouts.Executor,
	})
	x.exec = res

	if res.Guard != nil {
		x.event(types.EventTypeGuardResult, res.Guard.Error,
			"ok", res.Guard.OK, "touched_files", res.Guard.TouchedFiles, "denied", res.Guard.DeniedPaths())
	}
	x.event(types.EventTypeExecutorResult, res.Message,
		"executor", string(x.kind), "exit_code", res.ExitCode, "reason_code", string(res.Reason), "changed_files", res.ChangedFiles)

	if !res.OK() {
		x.exitCode = res.ExitCode
		reason := res.Reason
		if reason == "" {
			reason = types.ReasonExecutorFailed
		}
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("executor %s exited with code %d", x.kind, res.ExitCode)
		}
		x.finish(types.StatusFailed, &StepError{Reason: reason, Err: errors.New(msg)}, nil)
		return StateVerify
	}

	if res.Diff != "" {
		x.event(types.EventTypePatchApplied, "", "files", res.ChangedFiles)
	}
	for _, s := range res.Stats {
		x.console.FileModified(s.Path, s.LinesAdded, s.LinesRemoved)
	}
	x.console.Successf("Executor %s succeeded (%d file(s) changed)", x.kind, len(res.ChangedFiles))
	x.finish(types.StatusDone, nil, nil)
	return StateVerify
}

// runTests runs the declared test commands in order and stops at the first
// failure. Output goes to selftest.log.
func (x *run) runTests() *StepError {
	cmds := x.task.AllowedTests
	x.tests = types.TestsReport{Commands: append([]string{}, cmds...), Passed: true}
	if len(cmds) == 0 {
		x.tests.Summary = "no tests declared"
		return nil
	}

	logPath := x.w.Abs(x.w.Layout().SelftestLog)
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		x.tests.Passed = false
		x.tests.Summary = "self-test log unavailable"
		return stepErrorf(types.ReasonInternalError, "failed to open self-test log: %v", err)
	}
	defer logFile.Close()

	timeout := x.opts.TestTimeout
	if timeout <= 0 {
		timeout = x.r.cfg.Timeouts.Test
	}

	for i, c := range cmds {
		x.console.Step(fmt.Sprintf("Test %d/%d: %s", i+1, len(cmds), c))
		argv, err := process.SplitCommand(c)
		if err != nil {
			return x.testFailed(i, types.ReasonInvalidTask, 1, err)
		}
		fmt.Fprintf(logFile, "$ %s\n", c)

		res, err := process.Run(x.ctx, process.Spec{
			Argv:    argv,
			Dir:     x.repoRoot,
			Env:     x.env,
			Timeout: timeout,
			Output:  logFile,
		})
		if err != nil {
			fmt.Fprintf(logFile, "error: %v\n", err)
			return x.testFailed(i, types.ReasonTestsFailed, 1, err)
		}
		fmt.Fprintf(logFile, "[exit %d, %s]\n", res.ExitCode, res.Duration.Round(time.Millisecond))
		x.event(types.EventTypeTestResult, c,
			"exit_code", res.ExitCode, "timed_out", res.TimedOut, "duration_ms", res.Duration.Milliseconds())

		if runErr := res.Err(argv, timeout); runErr != nil {
			reason := types.ReasonTestsFailed
			if res.TimedOut {
				reason = types.ReasonTestsTimeout
			}
			code := res.ExitCode
			if code <= 0 {
				code = 1
			}
			return x.testFailed(i, reason, code, runErr)
		}
	}

	x.tests.Summary = fmt.Sprintf("%d/%d passed", len(cmds), len(cmds))
	x.console.Successf("Tests passed (%s)", x.tests.Summary)
	return nil
}

func (x *run) testFailed(i int, reason types.ReasonCode, code int, err error) *StepError {
	x.tests.Passed = false
	x.tests.Summary = fmt.Sprintf("%d/%d passed; %v", i, len(x.tests.Commands), err)
	x.exitCode = code
	return &StepError{Reason: reason, Err: err}
}

// verify runs the gates, and on failure with a snapshot restores it once and
// verifies again.
func (x *run) verify() {
	gr := gates.NewRunner(x.r.deps.Gates, x.repoRoot, x.r.cfg.ArtifactsDir, x.log.With("gates"))
	if x.runGates(gr).Passed() || x.snap == nil {
		return
	}

	x.transition(StateRollback)
	x.console.Warningf("Verification failed; restoring snapshot")
	if err := x.snap.Restore(); err != nil {
		x.log.Errorf("snapshot restore failed: %v", err)
		x.event(types.EventTypeError, fmt.Sprintf("snapshot restore failed: %v", err))
	} else {
		x.rolledBack = true
		x.event(types.EventTypeRollback, "repository restored from snapshot", "dir", x.snap.Dir)
	}

	x.transition(StateVerify)
	x.runGates(gr)
}

func (x *run) runGates(gr *gates.Runner) *types.Verdict {
	x.console.Step("Running gates")
	v, err := gr.Run(x.ctx, x.sub, gates.Options{Strict: x.r.cfg.Gates.Strict})
	if err != nil {
		x.log.Warnf("%v", err)
	}
	x.verdicts = append(x.verdicts, v)

	for _, res := range v.Results {
		details := append(append([]string{}, res.Errors...), res.Warnings...)
		x.console.Gate(res.GateName, string(res.Status), details)
	}
	if err := artifacts.WriteJSONAtomic(x.w.Path(artifacts.VerdictFile), v); err != nil {
		x.log.Errorf("failed to write verdict: %v", err)
	}
	x.event(types.EventTypeVerifyResult, string(v.Overall), "attempt", v.Attempt, "strict", v.Strict)
	if v.Passed() {
		x.console.Successf("Verdict: %s (attempt %d)", v.Overall, v.Attempt)
	} else {
		x.console.Errorf("Verdict: %s (attempt %d)", v.Overall, v.Attempt)
	}
	return v
}
