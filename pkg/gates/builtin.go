package gates

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/entrhq/taskgate/pkg/artifacts"
	"github.com/entrhq/taskgate/pkg/security/pathguard"
	"github.com/entrhq/taskgate/pkg/types"
)

// Built-in gate names.
const (
	GateSubmissionSchema = "submission_schema"
	GateArtifactsPresent = "artifacts_present"
	GateChangedFilesSafe = "changed_files_safe"
	GateTestsConsistency = "tests_consistency"
	GateReportComplete   = "report_complete"
)

// Builtin returns the static registry every verification runs.
func Builtin() *Registry {
	r := NewRegistry()
	for _, g := range []Gate{
		Func{GateSubmissionSchema, checkSubmissionSchema},
		Func{GateArtifactsPresent, checkArtifactsPresent},
		Func{GateChangedFilesSafe, checkChangedFilesSafe},
		Func{GateTestsConsistency, checkTestsConsistency},
		Func{GateReportComplete, checkReportComplete},
	} {
		// Names are constant and unique.
		_ = r.Register(g)
	}
	return r
}

func checkSubmissionSchema(_ context.Context, in *Input) (Outcome, error) {
	var out Outcome
	sub := in.Submission

	if sub.SchemaVersion == "" {
		out.Errorf("schema_version is required")
	}
	if !types.ValidTaskID(sub.TaskID) {
		out.Errorf("task_id %q is not a valid task id", sub.TaskID)
	}
	if !sub.Status.Valid() {
		out.Errorf("status %q is not one of DONE, FAILED, NEED_INPUT", sub.Status)
	}

	switch {
	case sub.Status == types.StatusDone && sub.ReasonCode != "":
		out.Errorf("DONE submission carries reason_code %q", sub.ReasonCode)
	case sub.Status != types.StatusDone && sub.ReasonCode == "":
		out.Errorf("%s submission has no reason_code", sub.Status)
	case sub.ReasonCode != "" && !sub.ReasonCode.Valid():
		out.Errorf("reason_code %q is not a known reason code", sub.ReasonCode)
	}

	if sub.ChangedFiles == nil {
		out.Errorf("changed_files is required")
	}
	if sub.NeedsInput == nil {
		out.Errorf("needs_input is required")
	}
	if sub.Status == types.StatusDone && sub.ExitCode != 0 {
		out.Errorf("DONE submission has exit_code %d", sub.ExitCode)
	}
	if sub.Status != types.StatusDone && sub.ExitCode == 0 {
		out.Errorf("%s submission has exit_code 0", sub.Status)
	}
	needsInput := sub.Status == types.StatusNeedInput
	if needsInput && len(sub.NeedsInput) == 0 {
		out.Errorf("NEED_INPUT submission has an empty needs_input list")
	}
	if !needsInput && len(sub.NeedsInput) > 0 {
		out.Errorf("needs_input is set but status is %s", sub.Status)
	}

	if types.ValidTaskID(sub.TaskID) {
		prefix := types.ArtifactPrefix(in.ArtifactsDir, sub.TaskID)
		paths := sub.Artifacts.Paths()
		for _, name := range types.ArtifactNames {
			p := paths[name]
			switch {
			case p == "":
				out.Errorf("artifacts.%s is required", name)
			case !pathguard.IsSafeRelative(p) || !strings.HasPrefix(p, prefix):
				out.Errorf("artifacts.%s %q is not under %s", name, p, prefix)
			}
		}
	}
	return out, nil
}

func checkArtifactsPresent(_ context.Context, in *Input) (Outcome, error) {
	var out Outcome
	paths := in.Submission.Artifacts.Paths()
	for _, name := range types.ArtifactNames {
		p := paths[name]
		if p == "" || !pathguard.IsSafeRelative(p) {
			out.Errorf("artifacts.%s is not a usable path", name)
			continue
		}
		info, err := os.Stat(filepath.Join(in.RepoRoot, filepath.FromSlash(p)))
		if err != nil {
			out.Errorf("artifacts.%s %q does not exist", name, p)
			continue
		}
		if name == "evidence_dir" && !info.IsDir() {
			out.Errorf("artifacts.evidence_dir %q is not a directory", p)
		}
		if name != "evidence_dir" && info.IsDir() {
			out.Errorf("artifacts.%s %q is a directory", name, p)
		}
	}
	return out, nil
}

func checkChangedFilesSafe(_ context.Context, in *Input) (Outcome, error) {
	var out Outcome
	for _, f := range in.Submission.ChangedFiles {
		switch {
		case !pathguard.IsSafeRelative(f):
			out.Errorf("changed file %q is not a safe relative path", f)
		case pathguard.HasPrefixDir(f, ".git"):
			out.Errorf("changed file %q is inside .git", f)
		case in.ArtifactsDir != "" && pathguard.HasPrefixDir(f, in.ArtifactsDir):
			out.Errorf("changed file %q is inside the artifacts directory", f)
		}
	}
	if in.Submission.Status == types.StatusDone && len(in.Submission.ChangedFiles) == 0 {
		out.Warnf("DONE submission changed no files")
	}
	return out, nil
}

func checkTestsConsistency(_ context.Context, in *Input) (Outcome, error) {
	var out Outcome
	sub := in.Submission
	if sub.Status == types.StatusDone && !sub.Tests.Passed {
		out.Errorf("DONE submission reports failing tests")
	}
	if len(sub.Tests.Commands) == 0 {
		out.Warnf("no tests declared")
	} else if sub.Tests.Summary == "" {
		out.Warnf("tests.summary is empty")
	}
	if sub.ReasonCode == types.ReasonTestsFailed && sub.Tests.Passed {
		out.Errorf("reason_code tests_failed but tests.passed is true")
	}
	return out, nil
}

func checkReportComplete(_ context.Context, in *Input) (Outcome, error) {
	var out Outcome
	p := in.Submission.Artifacts.ReportMD
	if p == "" || !pathguard.IsSafeRelative(p) {
		out.Errorf("report_md is not a usable path")
		return out, nil
	}
	f, err := os.Open(filepath.Join(in.RepoRoot, filepath.FromSlash(p)))
	if err != nil {
		out.Errorf("report %q cannot be read", p)
		return out, nil
	}
	defer f.Close()

	var title string
	sections := make(map[string]bool)
	nonEmpty := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !nonEmpty {
			title = line
			nonEmpty = true
		}
		if strings.HasPrefix(line, "## ") {
			sections[line] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}

	if !nonEmpty {
		out.Errorf("report %q is empty", p)
		return out, nil
	}
	if !strings.HasPrefix(title, "# ") {
		out.Errorf("report %q does not start with a title", p)
	}
	for _, s := range artifacts.RequiredSections {
		if !sections[s] {
			out.Warnf("report is missing section %q", strings.TrimPrefix(s, "## "))
		}
	}
	return out, nil
}
