package gates

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/artifacts"
	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/types"
)

// Synthesis kinds recorded in a verdict.
const (
	SynthPlaceholder      = "placeholder"
	SynthLegacyNeedsInput = "legacy_needs_input"
)

// synthesizable lists the artifacts non-strict mode may fill in.
var synthesizable = []string{"report_md", "selftest_log", "patch_diff", "evidence_dir"}

// Options controls a single verify attempt.
type Options struct {
	// Strict disables placeholder synthesis.
	Strict bool

	// LegacyNeedsInput backfills an empty needs_input list on submissions
	// older than schema 1.0. It applies in strict mode too.
	LegacyNeedsInput bool

	// Attempt numbers this verify attempt. Zero means one past the highest
	// attempt already recorded in ci_gate_results.jsonl.
	Attempt int
}

// Record is one line of ci_gate_results.jsonl.
type Record struct {
	Timestamp time.Time        `json:"ts"`
	TaskID    string           `json:"task_id"`
	Attempt   int              `json:"attempt"`
	Strict    bool             `json:"strict"`
	GateName  string           `json:"gate_name"`
	Status    types.GateStatus `json:"status"`
	Errors    []string         `json:"errors"`
	Warnings  []string         `json:"warnings"`
}

// Runner executes a registry against submissions.
type Runner struct {
	registry     *Registry
	repoRoot     string
	artifactsDir string
	logger       *logging.Logger
}

// NewRunner creates a gate runner for a repository. artifactsDir is
// repository-relative.
func NewRunner(registry *Registry, repoRoot, artifactsDir string, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{registry: registry, repoRoot: repoRoot, artifactsDir: artifactsDir, logger: logger}
}

// ResultsPath returns the absolute path of a task's ci_gate_results.jsonl.
func (r *Runner) ResultsPath(taskID string) string {
	return filepath.Join(r.repoRoot, filepath.FromSlash(r.artifactsDir), taskID, artifacts.GateResultsFile)
}

// Run executes every gate in declared order and renders a verdict. The
// submission is never modified; synthesis works on a copy. The returned
// error reports a failure to append gate results; the verdict is valid
// regardless.
func (r *Runner) Run(ctx context.Context, sub *types.Submission, opts Options) (*types.Verdict, error) {
	working := *sub
	verdict := &types.Verdict{
		TaskID:    sub.TaskID,
		Strict:    opts.Strict,
		CreatedAt: time.Now().UTC(),
	}

	if opts.LegacyNeedsInput && working.NeedsInput == nil && schemaOlderThan(working.SchemaVersion, types.SubmissionSchemaVersion) {
		working.NeedsInput = []string{}
		verdict.Synthesized = append(verdict.Synthesized, types.Synthesized{
			Kind:   SynthLegacyNeedsInput,
			Path:   "needs_input",
			Reason: fmt.Sprintf("schema_version %q predates %s", sub.SchemaVersion, types.SubmissionSchemaVersion),
		})
	}
	if !opts.Strict {
		verdict.Synthesized = append(verdict.Synthesized, r.synthesize(&working)...)
	}

	resultsPath := ""
	if types.ValidTaskID(sub.TaskID) {
		resultsPath = r.ResultsPath(sub.TaskID)
	}
	verdict.Attempt = opts.Attempt
	if verdict.Attempt <= 0 {
		verdict.Attempt = nextAttempt(resultsPath)
	}

	in := &Input{RepoRoot: r.repoRoot, ArtifactsDir: r.artifactsDir, Submission: &working}
	verdict.Overall = types.OverallPass
	var appendErr error
	for _, g := range r.registry.Gates() {
		result := runGate(ctx, g, in)
		r.logger.Infof("gate %s: %s", result.GateName, result.Status)
		if result.Status == types.GateFail || result.Status == types.GateError {
			verdict.Overall = types.OverallFail
		}
		verdict.Results = append(verdict.Results, result)

		if resultsPath == "" {
			continue
		}
		rec := Record{
			Timestamp: time.Now().UTC(),
			TaskID:    sub.TaskID,
			Attempt:   verdict.Attempt,
			Strict:    opts.Strict,
			GateName:  result.GateName,
			Status:    result.Status,
			Errors:    result.Errors,
			Warnings:  result.Warnings,
		}
		if err := artifacts.AppendJSONL(resultsPath, rec); err != nil && appendErr == nil {
			appendErr = fmt.Errorf("failed to append gate results: %w", err)
		}
	}
	if resultsPath == "" {
		appendErr = fmt.Errorf("task_id %q is not valid; gate results were not recorded", sub.TaskID)
	}

	return verdict, appendErr
}

// runGate classifies one gate. A panic or returned error is ERROR.
func runGate(ctx context.Context, g Gate, in *Input) (result types.GateResult) {
	result = types.GateResult{GateName: g.Name(), Errors: []string{}, Warnings: []string{}}
	defer func() {
		if p := recover(); p != nil {
			result.Status = types.GateError
			result.Errors = append(result.Errors, fmt.Sprintf("gate panicked: %v", p))
		}
	}()

	out, err := g.Check(ctx, in)
	result.Errors = append(result.Errors, out.Errors...)
	result.Warnings = append(result.Warnings, out.Warnings...)
	switch {
	case err != nil:
		result.Status = types.GateError
		result.Errors = append(result.Errors, err.Error())
	case len(out.Errors) > 0:
		result.Status = types.GateFail
	case len(out.Warnings) > 0:
		result.Status = types.GateWarn
	default:
		result.Status = types.GatePass
	}
	return result
}

// synthesize fills in missing or structurally invalid artifacts from the
// allow-list with placeholders and records each one.
func (r *Runner) synthesize(sub *types.Submission) []types.Synthesized {
	if !types.ValidTaskID(sub.TaskID) {
		return nil
	}
	canonical := types.ArtifactsFor(r.artifactsDir, sub.TaskID)
	prefix := types.ArtifactPrefix(r.artifactsDir, sub.TaskID)
	current := sub.Artifacts.Paths()
	want := canonical.Paths()

	var out []types.Synthesized
	for _, name := range synthesizable {
		p := current[name]
		reason := ""
		switch {
		case p == "":
			reason = "missing path"
			p = want[name]
		case !strings.HasPrefix(p, prefix) || strings.Contains(p, ".."):
			reason = "path outside " + prefix
			p = want[name]
		}

		abs := filepath.Join(r.repoRoot, filepath.FromSlash(p))
		info, err := os.Stat(abs)
		isDir := name == "evidence_dir"
		switch {
		case err != nil:
			if reason == "" {
				reason = "file does not exist"
			}
		case isDir != info.IsDir():
			reason = "wrong file type"
			if rmErr := os.RemoveAll(abs); rmErr != nil {
				r.logger.Warnf("cannot replace %s: %v", p, rmErr)
				continue
			}
		}
		if reason == "" {
			continue
		}

		if err := writePlaceholder(abs, name, isDir); err != nil {
			r.logger.Warnf("cannot synthesize %s: %v", name, err)
			continue
		}
		setArtifact(&sub.Artifacts, name, p)
		out = append(out, types.Synthesized{Kind: SynthPlaceholder, Path: p, Reason: name + ": " + reason})
		r.logger.Infof("synthesized placeholder for %s at %s", name, p)
	}
	return out
}

func writePlaceholder(abs, name string, isDir bool) error {
	if isDir {
		return os.MkdirAll(abs, 0o755)
	}
	if _, err := os.Stat(abs); err == nil {
		return nil
	}
	content := ""
	switch name {
	case "report_md":
		content = "# Placeholder report\n\nSynthesized by non-strict verification.\n"
	case "selftest_log":
		content = "placeholder: no self-test log was produced\n"
	}
	return artifacts.WriteFileAtomic(abs, []byte(content))
}

func setArtifact(a *types.Artifacts, name, p string) {
	switch name {
	case "report_md":
		a.ReportMD = p
	case "selftest_log":
		a.SelftestLog = p
	case "patch_diff":
		a.PatchDiff = p
	case "evidence_dir":
		a.EvidenceDir = p
	}
}

// schemaOlderThan compares dotted numeric versions. An empty or unparsable
// version counts as older.
func schemaOlderThan(version, than string) bool {
	a, okA := parseVersion(version)
	b, _ := parseVersion(than)
	if !okA {
		return true
	}
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			return x < y
		}
	}
	return false
}

func parseVersion(v string) ([]int, bool) {
	if v == "" {
		return nil, false
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// nextAttempt scans existing gate results for the highest attempt.
func nextAttempt(path string) int {
	if path == "" {
		return 1
	}
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	highest := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec struct {
			Attempt int `json:"attempt"`
		}
		if json.Unmarshal(scanner.Bytes(), &rec) == nil && rec.Attempt > highest {
			highest = rec.Attempt
		}
	}
	return highest + 1
}
