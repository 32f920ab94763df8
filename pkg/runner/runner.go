// Package runner drives one child task through the
// PRECHECK -> PINS -> PREFLIGHT -> EXEC -> VERIFY pipeline and writes its
// submission, report, verdict and event log under artifacts/<task_id>/.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/taskgate/pkg/artifacts"
	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/executor"
	"github.com/entrhq/taskgate/pkg/gates"
	"github.com/entrhq/taskgate/pkg/ledger"
	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/patch"
	"github.com/entrhq/taskgate/pkg/services"
	"github.com/entrhq/taskgate/pkg/snapshot"
	"github.com/entrhq/taskgate/pkg/types"
	"github.com/entrhq/taskgate/pkg/vcs"
)

// Process exit codes of a run.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitNeedInput = 3
)

// Evidence file names written by the runner itself.
const (
	EvidenceTask      = "child_task.json"
	EvidencePins      = "pins.json"
	EvidencePreflight = "preflight.json"
	EvidenceIndex     = "index.json"
)

// Services are the external collaborators consulted before EXEC. A nil
// Index skips the index refresh.
type Services struct {
	Index     services.IndexBuilder
	Pins      services.PinsBuilder
	Preflight services.PreflightChecker
}

// ServicesFromConfig builds command-backed services where configured and
// built-in fallbacks elsewhere.
func ServicesFromConfig(cfg *config.Config, env []string) Services {
	s := Services{Pins: services.TaskPins{}, Preflight: services.BasicPreflight{}}
	if argv := cfg.Services.IndexBuilder; len(argv) > 0 {
		s.Index = &services.CommandIndexBuilder{Command: services.Command{Argv: argv, Timeout: cfg.Timeouts.Index, Env: env}}
	}
	if argv := cfg.Services.PinsBuilder; len(argv) > 0 {
		s.Pins = &services.CommandPinsBuilder{Command: services.Command{Argv: argv, Timeout: cfg.Timeouts.Pins, Env: env}}
	}
	if argv := cfg.Services.Preflight; len(argv) > 0 {
		s.Preflight = &services.CommandPreflight{Command: services.Command{Argv: argv, Timeout: cfg.Timeouts.Preflight, Env: env}}
	}
	return s
}

// Deps are the runner's collaborators. Zero values get defaults.
type Deps struct {
	Services    Services
	Gates       *gates.Registry
	NewExecutor func(kind types.ExecutorKind) (executor.Executor, error)
	Ledger      *ledger.Ledger
	Logger      *logging.Logger
	Console     *logging.Console
}

// Options are per-run settings, usually from the command line.
type Options struct {
	// TaskID names the run. Empty generates one.
	TaskID string

	// TaskPath is the on-disk child task handed to external services.
	// Empty writes a copy into the evidence directory.
	TaskPath string

	// Executor overrides runner.executor of the task.
	Executor types.ExecutorKind

	// Snapshot mirrors the repository before EXEC so a failed verify can
	// roll back.
	Snapshot bool

	// TestTimeout overrides the configured per-command test timeout.
	TestTimeout time.Duration

	// TaskError is why the child task could not be loaded. The run still
	// writes a FAILED invalid_task submission for it.
	TaskError error
}

// Outcome summarizes a finished run. Verdict is the final verify attempt,
// nil when VERIFY did not run.
type Outcome struct {
	TaskID     string
	Submission *types.Submission
	Verdict    *types.Verdict
	Verdicts   []*types.Verdict
	RolledBack bool
	States     []State
	ExitCode   int
}

// Runner executes child tasks against one repository.
type Runner struct {
	cfg      *config.Config
	policies *config.Policies
	deps     Deps
}

// New creates a runner. cfg must be validated.
func New(cfg *config.Config, policies *config.Policies, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Console == nil {
		deps.Console = logging.NewConsoleTo(io.Discard, logging.LevelQuiet)
	}
	if deps.Gates == nil {
		deps.Gates = gates.Builtin()
	}
	if deps.Services.Pins == nil {
		deps.Services.Pins = services.TaskPins{}
	}
	if deps.Services.Preflight == nil {
		deps.Services.Preflight = services.BasicPreflight{}
	}
	if deps.NewExecutor == nil {
		logger := deps.Logger
		deps.NewExecutor = func(kind types.ExecutorKind) (executor.Executor, error) {
			return executor.New(kind, cfg.Executor, logger)
		}
	}
	return &Runner{cfg: cfg, policies: policies, deps: deps}
}

// NewTaskID returns a sortable, unique task id.
func NewTaskID() string {
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("task-%s-%s", time.Now().UTC().Format("20060102-150405"), short)
}

// Run executes task end to end. Every pipeline failure is reported through
// the returned Outcome's submission; an error is returned only when no
// artifact directory can be established for the run.
func (r *Runner) Run(ctx context.Context, task *types.ChildTask, opts Options) (*Outcome, error) {
	if task == nil {
		return nil, errors.New("no child task")
	}
	taskID := opts.TaskID
	if taskID == "" {
		taskID = NewTaskID()
	}
	if !types.ValidTaskID(taskID) {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}
	repoRoot, err := filepath.Abs(r.cfg.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}

	w := artifacts.NewWriter(repoRoot, r.cfg.ArtifactsDir, taskID)
	if err := w.Init(); err != nil {
		return nil, err
	}
	if err := w.WriteText(w.Layout().SelftestLog, ""); err != nil {
		return nil, fmt.Errorf("failed to create self-test log: %w", err)
	}

	x := &run{
		r:        r,
		ctx:      ctx,
		task:     task,
		opts:     opts,
		taskID:   taskID,
		repoRoot: repoRoot,
		w:        w,
		m:        newMachine(),
		log:      r.deps.Logger.With("runner"),
		console:  r.deps.Console,
		env:      executor.FilterEnv(os.Environ(), r.cfg.Executor.EnvPassthrough),
		started:  time.Now().UTC(),
	}
	x.execute()
	return x.outcome(), nil
}

// run is the state of one invocation.
type run struct {
	r        *Runner
	ctx      context.Context
	task     *types.ChildTask
	opts     Options
	taskID   string
	taskPath string
	repoRoot string
	w        *artifacts.Writer
	m        *machine
	log      *logging.Logger
	console  *logging.Console
	env      []string
	started  time.Time
	git      *artifacts.GitInfo

	kind       types.ExecutorKind
	policy     types.RolePolicy
	pins       *types.PinsSpec
	snap       *snapshot.Handle
	tests      types.TestsReport
	exitCode   int
	exec       *executor.Result
	sub        *types.Submission
	verdicts   []*types.Verdict
	rolledBack bool
}

func (x *run) execute() {
	defer func() {
		if p := recover(); p != nil {
			x.log.Errorf("panic in %s: %v\n%s", x.m.state, p, debug.Stack())
			x.event(types.EventTypeError, fmt.Sprintf("internal error: %v", p))
			x.finish(types.StatusFailed, stepErrorf(types.ReasonInternalError, "internal error in %s: %v", x.m.state, p), nil)
			x.end()
		}
	}()

	x.console.Header(fmt.Sprintf("taskgate run %s", x.taskID))
	x.log.Infof("starting task %s (role=%s)", x.taskID, x.task.Role)
	x.event(types.EventTypeRunStart, x.task.Title)
	x.prepare()

	x.enter(StatePrecheck)
	next := x.precheck()
	if next == StatePins {
		x.transition(StatePins)
		next = x.buildPins()
	}
	if next == StatePreflight {
		x.transition(StatePreflight)
		next = x.preflight()
	}
	if next == StateExec {
		x.transition(StateExec)
		next = x.runExec()
	}
	if next == StateVerify {
		x.transition(StateVerify)
		x.verify()
	}
	x.transition(StateEnd)
	x.end()
}

// prepare records the task copy and repository metadata.
func (x *run) prepare() {
	if err := x.w.WriteEvidence(EvidenceTask, x.task); err != nil {
		x.log.Warnf("failed to write task evidence: %v", err)
	}
	x.taskPath = x.opts.TaskPath
	if x.taskPath == "" {
		x.taskPath = x.w.EvidencePath(EvidenceTask)
	}

	git := vcs.NewGitManager(x.repoRoot)
	if git.IsRepo(x.ctx) {
		info := &artifacts.GitInfo{}
		info.Branch, _ = git.CurrentBranch(x.ctx)
		info.CommitHash, _ = git.HeadCommit(x.ctx)
		x.git = info
	}
}

func (x *run) enter(s State) {
	x.console.Section(string(s))
	x.event(types.EventTypeStateEnter, "")
}

// transition leaves the current state. An illegal edge is a bug and panics
// into the internal_error path.
func (x *run) transition(to State) {
	from := x.m.state
	x.event(types.EventTypeStateExit, "")
	if err := x.m.advance(to); err != nil {
		panic(err)
	}
	x.log.Debugf("state %s -> %s", from, to)
	if to != StateEnd {
		x.enter(to)
	}
}

func (x *run) event(t types.RunEventType, msg string, kv ...interface{}) {
	e := types.NewRunEvent(x.taskID, t, string(x.m.state)).WithMessage(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			e.With(key, kv[i+1])
		}
	}
	if err := x.w.AppendEvent(e); err != nil {
		x.log.Warnf("failed to append event %s: %v", t, err)
	}
}

func (x *run) serviceRequest(out string) services.Request {
	return services.Request{
		Task:     x.task,
		TaskPath: x.taskPath,
		RepoRoot: x.repoRoot,
		OutPath:  x.w.EvidencePath(out),
		Pins:     x.pins,
	}
}

// finish creates the run's submission exactly once and writes it with the
// report and the patch.
func (x *run) finish(status types.SubmissionStatus, serr *StepError, needs []string) {
	if x.sub != nil {
		return
	}

	tests := x.tests
	if tests.Commands == nil {
		tests.Commands = append([]string{}, x.task.AllowedTests...)
		tests.Summary = "tests not run"
	}

	sub := &types.Submission{
		SchemaVersion: types.SubmissionSchemaVersion,
		TaskID:        x.taskID,
		Status:        status,
		ChangedFiles:  []string{},
		Tests:         tests,
		Artifacts:     x.w.Layout(),
		NeedsInput:    []string{},
		Payload:       map[string]interface{}{"executor": string(x.kind), "state": string(x.m.state)},
	}
	if x.pins != nil {
		sub.Payload["pins"] = x.pins
	}

	switch status {
	case types.StatusDone:
		sub.ExitCode = 0
		sub.Summary = "task completed"
	case types.StatusNeedInput:
		sub.ExitCode = ExitNeedInput
		sub.NeedsInput = append(sub.NeedsInput, needs...)
	default:
		sub.ExitCode = ExitFailed
		if x.exitCode > 0 {
			sub.ExitCode = x.exitCode
		}
	}
	if serr != nil {
		sub.ReasonCode = serr.Reason
		sub.Summary = serr.Err.Error()
		x.log.Warnf("%s: %v", serr.Reason, serr.Err)
		x.console.Errorf("%s: %v", serr.Reason, serr.Err)
	}

	var stats []patch.LineChanges
	var denied []string
	diff := ""
	if res := x.exec; res != nil {
		if len(res.ChangedFiles) > 0 {
			sub.ChangedFiles = append(sub.ChangedFiles, res.ChangedFiles...)
		}
		sub.NewFiles = res.NewFiles
		sub.TouchedFiles = res.TouchedFiles
		stats = res.Stats
		diff = res.Diff
		if res.Guard != nil {
			denied = res.Guard.DeniedPaths()
		}
	}
	x.sub = sub

	layout := x.w.Layout()
	if err := x.w.WriteText(layout.PatchDiff, diff); err != nil {
		x.log.Errorf("failed to write patch: %v", err)
	}
	report := artifacts.RenderReport(&artifacts.Report{
		TaskID:     x.taskID,
		Title:      x.task.Title,
		Role:       x.task.Role,
		Executor:   x.kind,
		Submission: sub,
		Stats:      stats,
		Denied:     denied,
		StartTime:  x.started,
		EndTime:    time.Now().UTC(),
		Git:        x.git,
	})
	if err := x.w.WriteText(layout.ReportMD, report); err != nil {
		x.log.Errorf("failed to write report: %v", err)
	}
	if err := x.w.WriteJSON(layout.SubmitJSON, sub); err != nil {
		x.log.Errorf("failed to write submission: %v", err)
	}
	x.event(types.EventTypeSubmission, string(status), "reason_code", string(sub.ReasonCode), "exit_code", sub.ExitCode)
}

// end discards the snapshot, records the run and reports the outcome.
func (x *run) end() {
	if x.snap != nil {
		if x.ctx.Err() != nil && !x.rolledBack {
			x.log.Warnf("run interrupted; snapshot kept at %s for manual restore", x.snap.Dir)
			x.console.Warningf("Interrupted; snapshot kept at %s", x.snap.Dir)
		} else if err := x.snap.Discard(); err != nil {
			x.log.Warnf("failed to discard snapshot: %v", err)
		}
	}

	out := x.outcome()
	verdict := ""
	if out.Verdict != nil {
		verdict = string(out.Verdict.Overall)
	}

	if l := x.r.deps.Ledger; l != nil {
		_, err := l.Record(x.ctx, ledger.Run{
			TaskID:       x.taskID,
			Role:         x.task.Role,
			Executor:     x.kind,
			Status:       x.sub.Status,
			ReasonCode:   x.sub.ReasonCode,
			ExitCode:     x.sub.ExitCode,
			Verdict:      types.OverallStatus(verdict),
			RolledBack:   x.rolledBack,
			ChangedFiles: x.sub.ChangedFiles,
			StartedAt:    x.started,
			FinishedAt:   time.Now().UTC(),
		}, x.verdicts)
		if err != nil {
			x.log.Warnf("failed to record run in ledger: %v", err)
		}
	}

	x.event(types.EventTypeRunEnd, string(x.sub.Status), "verdict", verdict, "exit_code", out.ExitCode, "rolled_back", x.rolledBack)
	x.log.Infof("task %s finished: status=%s reason=%s verdict=%s", x.taskID, x.sub.Status, x.sub.ReasonCode, verdict)
	x.console.Summary(x.taskID, string(x.sub.Status), string(x.sub.ReasonCode), verdict)
}

func (x *run) outcome() *Outcome {
	out := &Outcome{
		TaskID:     x.taskID,
		Submission: x.sub,
		Verdicts:   x.verdicts,
		RolledBack: x.rolledBack,
		States:     append([]State(nil), x.m.history...),
	}
	if n := len(x.verdicts); n > 0 {
		out.Verdict = x.verdicts[n-1]
	}
	out.ExitCode = ExitCode(x.sub, out.Verdict)
	return out
}

// ExitCode maps a run's result to a process exit code.
func ExitCode(sub *types.Submission, verdict *types.Verdict) int {
	switch {
	case sub == nil:
		return ExitFailed
	case sub.Status == types.StatusNeedInput:
		return ExitNeedInput
	case sub.Status == types.StatusDone && verdict.Passed():
		return ExitOK
	default:
		return ExitFailed
	}
}
