package gates

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/taskgate/pkg/artifacts"
	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/types"
)

const testReport = "# Task report: demo\n\n## Summary\n\n- ok\n\n## Changed files\n\n- `src/a.go`\n\n## Tests\n\nNo tests declared.\n"

// fixture writes a complete, valid DONE submission's artifacts into repo.
func fixture(t *testing.T) (string, *types.Submission) {
	t.Helper()
	repo := t.TempDir()
	w := artifacts.NewWriter(repo, "artifacts", "t-1")
	require.NoError(t, w.Init())
	layout := w.Layout()
	require.NoError(t, w.WriteText(layout.ReportMD, testReport))
	require.NoError(t, w.WriteText(layout.SelftestLog, "ok\n"))
	require.NoError(t, w.WriteText(layout.PatchDiff, ""))

	sub := &types.Submission{
		SchemaVersion: types.SubmissionSchemaVersion,
		TaskID:        "t-1",
		Status:        types.StatusDone,
		ChangedFiles:  []string{"src/a.go"},
		Tests:         types.TestsReport{Commands: []string{"go test ./..."}, Passed: true, Summary: "1/1 passed"},
		Artifacts:     layout,
		NeedsInput:    []string{},
	}
	require.NoError(t, w.WriteJSON(layout.SubmitJSON, sub))
	return repo, sub
}

func run(t *testing.T, repo string, sub *types.Submission, opts Options) *types.Verdict {
	t.Helper()
	r := NewRunner(Builtin(), repo, "artifacts", nil)
	v, err := r.Run(context.Background(), sub, opts)
	require.NoError(t, err)
	return v
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var recs []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestBuiltin_Order(t *testing.T) {
	assert.Equal(t, []string{
		GateSubmissionSchema, GateArtifactsPresent, GateChangedFilesSafe, GateTestsConsistency, GateReportComplete,
	}, Builtin().Names())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := Builtin()
	err := r.Register(Func{GateName: GateReportComplete, Fn: func(context.Context, *Input) (Outcome, error) { return Outcome{}, nil }})
	assert.Error(t, err)
	assert.Error(t, r.Register(Func{}))
}

func TestRun_ValidSubmissionPasses(t *testing.T) {
	repo, sub := fixture(t)
	v := run(t, repo, sub, Options{Strict: true})

	assert.Equal(t, types.OverallPass, v.Overall)
	assert.True(t, v.Strict)
	assert.Equal(t, 1, v.Attempt)
	assert.Empty(t, v.Synthesized)
	require.Len(t, v.Results, 5)
	for _, r := range v.Results {
		assert.Equal(t, types.GatePass, r.Status, "%s: %v %v", r.GateName, r.Errors, r.Warnings)
	}
}

func TestRun_Classification(t *testing.T) {
	tests := []struct {
		name        string
		fn          func(context.Context, *Input) (Outcome, error)
		wantStatus  types.GateStatus
		wantOverall types.OverallStatus
	}{
		{
			name:        "warnings only",
			fn:          func(context.Context, *Input) (Outcome, error) { return Outcome{Warnings: []string{"hmm"}}, nil },
			wantStatus:  types.GateWarn,
			wantOverall: types.OverallPass,
		},
		{
			name:        "errors",
			fn:          func(context.Context, *Input) (Outcome, error) { return Outcome{Errors: []string{"bad"}}, nil },
			wantStatus:  types.GateFail,
			wantOverall: types.OverallFail,
		},
		{
			name:        "returned error",
			fn:          func(context.Context, *Input) (Outcome, error) { return Outcome{}, errors.New("boom") },
			wantStatus:  types.GateError,
			wantOverall: types.OverallFail,
		},
		{
			name:        "panic",
			fn:          func(context.Context, *Input) (Outcome, error) { panic("kaboom") },
			wantStatus:  types.GateError,
			wantOverall: types.OverallFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, sub := fixture(t)
			reg := Builtin()
			require.NoError(t, reg.Register(Func{GateName: "custom", Fn: tt.fn}))

			v, err := NewRunner(reg, repo, "artifacts", nil).Run(context.Background(), sub, Options{Strict: true})
			require.NoError(t, err)
			res, ok := v.Result("custom")
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantOverall, v.Overall)
			require.Len(t, v.Results, 6)
		})
	}
}

func TestRun_AppendsResultsPerAttempt(t *testing.T) {
	repo, sub := fixture(t)
	r := NewRunner(Builtin(), repo, "artifacts", nil)

	v1, err := r.Run(context.Background(), sub, Options{Strict: true})
	require.NoError(t, err)
	v2, err := r.Run(context.Background(), sub, Options{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Attempt)
	assert.Equal(t, 2, v2.Attempt)

	recs := readRecords(t, r.ResultsPath("t-1"))
	require.Len(t, recs, 10)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, GateSubmissionSchema, recs[0].GateName)
	assert.Equal(t, 2, recs[9].Attempt)
	assert.Equal(t, GateReportComplete, recs[9].GateName)
}

func TestSubmissionSchema(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *types.Submission)
	}{
		{"DONE with exit code", func(s *types.Submission) { s.ExitCode = 2 }},
		{"DONE with reason", func(s *types.Submission) { s.ReasonCode = types.ReasonTestsFailed }},
		{"FAILED without reason", func(s *types.Submission) { s.Status = types.StatusFailed; s.ExitCode = 1 }},
		{"unknown status", func(s *types.Submission) { s.Status = "MAYBE" }},
		{"unknown reason", func(s *types.Submission) {
			s.Status = types.StatusFailed
			s.ExitCode = 1
			s.ReasonCode = "gremlins"
		}},
		{"NEED_INPUT without needs", func(s *types.Submission) {
			s.Status = types.StatusNeedInput
			s.ExitCode = 3
			s.ReasonCode = types.ReasonPreflightFailed
		}},
		{"needs without NEED_INPUT", func(s *types.Submission) { s.NeedsInput = []string{"which file?"} }},
		{"missing needs_input", func(s *types.Submission) { s.NeedsInput = nil }},
		{"artifact outside prefix", func(s *types.Submission) { s.Artifacts.ReportMD = "artifacts/other/report.md" }},
		{"invalid task id", func(s *types.Submission) { s.TaskID = "../escape" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sub := fixture(t)
			tt.mutate(sub)
			out, err := checkSubmissionSchema(context.Background(), &Input{ArtifactsDir: "artifacts", Submission: sub})
			require.NoError(t, err)
			assert.NotEmpty(t, out.Errors)
		})
	}

	t.Run("valid NEED_INPUT", func(t *testing.T) {
		_, sub := fixture(t)
		sub.Status = types.StatusNeedInput
		sub.ExitCode = 3
		sub.ReasonCode = types.ReasonPreflightFailed
		sub.NeedsInput = []string{"target file"}
		out, err := checkSubmissionSchema(context.Background(), &Input{ArtifactsDir: "artifacts", Submission: sub})
		require.NoError(t, err)
		assert.Empty(t, out.Errors)
	})
}

func TestArtifactsPresent(t *testing.T) {
	repo, sub := fixture(t)
	require.NoError(t, os.Remove(filepath.Join(repo, filepath.FromSlash(sub.Artifacts.SelftestLog))))

	out, err := checkArtifactsPresent(context.Background(), &Input{RepoRoot: repo, ArtifactsDir: "artifacts", Submission: sub})
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "selftest_log")
}

func TestChangedFilesSafe(t *testing.T) {
	_, sub := fixture(t)
	sub.ChangedFiles = []string{"src/ok.go", "../up.go", "/abs.go", ".git/config", "artifacts/t-1/report.md"}

	out, err := checkChangedFilesSafe(context.Background(), &Input{ArtifactsDir: "artifacts", Submission: sub})
	require.NoError(t, err)
	assert.Len(t, out.Errors, 4)
}

func TestTestsConsistency(t *testing.T) {
	_, sub := fixture(t)
	sub.Tests = types.TestsReport{Commands: []string{}, Passed: true}
	out, err := checkTestsConsistency(context.Background(), &Input{Submission: sub})
	require.NoError(t, err)
	assert.Empty(t, out.Errors)
	assert.Equal(t, []string{"no tests declared"}, out.Warnings)

	sub.Tests = types.TestsReport{Commands: []string{"make test"}, Passed: false, Summary: "failed"}
	out, err = checkTestsConsistency(context.Background(), &Input{Submission: sub})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Errors)
}

func TestReportComplete(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantWarns int
	}{
		{name: "complete", content: testReport},
		{name: "empty", content: "\n\n", wantErr: true},
		{name: "no title", content: "just text\n## Summary\n## Changed files\n## Tests\n", wantErr: true},
		{name: "missing sections", content: "# Report\n\n## Summary\n", wantWarns: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, sub := fixture(t)
			require.NoError(t, os.WriteFile(filepath.Join(repo, filepath.FromSlash(sub.Artifacts.ReportMD)), []byte(tt.content), 0o644))

			out, err := checkReportComplete(context.Background(), &Input{RepoRoot: repo, Submission: sub})
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr, len(out.Errors) > 0, out.Errors)
			assert.Len(t, out.Warnings, tt.wantWarns)
		})
	}
}

func TestRun_StrictDoesNotSynthesize(t *testing.T) {
	repo, sub := fixture(t)
	report := filepath.Join(repo, filepath.FromSlash(sub.Artifacts.ReportMD))
	require.NoError(t, os.Remove(report))

	v := run(t, repo, sub, Options{Strict: true})
	assert.Equal(t, types.OverallFail, v.Overall)
	assert.Empty(t, v.Synthesized)
	assert.NoFileExists(t, report)
}

func TestRun_NonStrictSynthesizesPlaceholders(t *testing.T) {
	repo, sub := fixture(t)
	require.NoError(t, os.Remove(filepath.Join(repo, filepath.FromSlash(sub.Artifacts.SelftestLog))))
	sub.Artifacts.PatchDiff = ""
	original := *sub

	v := run(t, repo, sub, Options{Strict: false})
	assert.Equal(t, types.OverallPass, v.Overall, "%+v", v.Results)
	require.Len(t, v.Synthesized, 2)
	kinds := map[string]bool{}
	for _, s := range v.Synthesized {
		assert.Equal(t, SynthPlaceholder, s.Kind)
		kinds[s.Path] = true
	}
	assert.True(t, kinds["artifacts/t-1/selftest.log"])
	assert.True(t, kinds["artifacts/t-1/patch.diff"])
	assert.FileExists(t, filepath.Join(repo, "artifacts", "t-1", "selftest.log"))
	assert.Equal(t, original, *sub, "submission must not be modified")
}

func TestRun_LegacyNeedsInputMigration(t *testing.T) {
	repo, sub := fixture(t)
	sub.SchemaVersion = "0.9"
	sub.NeedsInput = nil

	v := run(t, repo, sub, Options{Strict: true})
	assert.Equal(t, types.OverallFail, v.Overall)

	v = run(t, repo, sub, Options{Strict: true, LegacyNeedsInput: true})
	assert.Equal(t, types.OverallPass, v.Overall, "%+v", v.Results)
	require.Len(t, v.Synthesized, 1)
	assert.Equal(t, SynthLegacyNeedsInput, v.Synthesized[0].Kind)
	assert.Nil(t, sub.NeedsInput)

	current := *sub
	current.SchemaVersion = "1.0"
	v = run(t, repo, &current, Options{Strict: true, LegacyNeedsInput: true})
	assert.Empty(t, v.Synthesized)
	assert.Equal(t, types.OverallFail, v.Overall)
}

func TestSchemaOlderThan(t *testing.T) {
	tests := []struct {
		v    string
		want bool
	}{
		{"0.9", true},
		{"0.10", true},
		{"1", false},
		{"1.0", false},
		{"1.0.1", false},
		{"2.0", false},
		{"", true},
		{"beta", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, schemaOlderThan(tt.v, "1.0"), tt.v)
	}
}

func TestCommandGate(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	repo, sub := fixture(t)
	reg, err := FromConfig(config.GatesConfig{Commands: []config.CommandGateConfig{
		{Name: "lint", Argv: []string{"sh", "-c", "echo lint ok"}},
		{Name: "vet", Argv: []string{"sh", "-c", "echo 'vet: bad thing'; exit 1"}, Timeout: 10 * time.Second},
	}}, os.Environ())
	require.NoError(t, err)

	v, err := NewRunner(reg, repo, "artifacts", nil).Run(context.Background(), sub, Options{Strict: true})
	require.NoError(t, err)

	lint, _ := v.Result("lint")
	assert.Equal(t, types.GatePass, lint.Status)
	vet, _ := v.Result("vet")
	assert.Equal(t, types.GateFail, vet.Status)
	assert.Contains(t, vet.Errors[len(vet.Errors)-1], "vet: bad thing")
	assert.Equal(t, types.OverallFail, v.Overall)
}
