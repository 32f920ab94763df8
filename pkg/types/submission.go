package types

import (
	"path"
	"regexp"
	"strings"
)

// SubmissionSchemaVersion is written into every submission this runner creates.
const SubmissionSchemaVersion = "1.0"

// SubmissionStatus is the terminal status of a child task run.
type SubmissionStatus string

const (
	StatusDone      SubmissionStatus = "DONE"
	StatusFailed    SubmissionStatus = "FAILED"
	StatusNeedInput SubmissionStatus = "NEED_INPUT"
)

// Valid reports whether s is one of the known statuses.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusDone, StatusFailed, StatusNeedInput:
		return true
	}
	return false
}

// ReasonCode classifies why a run did not finish as DONE.
type ReasonCode string

const (
	ReasonMapBuildFailed     ReasonCode = "map_build_failed"
	ReasonPinsBuildFailed    ReasonCode = "pins_build_failed"
	ReasonPreflightFailed    ReasonCode = "preflight_failed"
	ReasonInvalidTask        ReasonCode = "invalid_task"
	ReasonExecutorNotAllowed ReasonCode = "executor_not_allowed"
	ReasonModelNotAllowed    ReasonCode = "model_not_allowed"
	ReasonSnapshotFailed     ReasonCode = "snapshot_failed"
	ReasonTestsFailed        ReasonCode = "tests_failed"
	ReasonTestsTimeout       ReasonCode = "tests_timeout"
	ReasonExecutorFailed     ReasonCode = "executor_failed"
	ReasonExecutorTimeout    ReasonCode = "executor_timeout"
	ReasonNoDiffFound        ReasonCode = "no_diff_found"
	ReasonScopeViolation     ReasonCode = "scope_violation"
	ReasonPatchApplyFailed   ReasonCode = "patch_apply_failed"
	ReasonSecretExportFailed ReasonCode = "secret_export_failed"
	ReasonInternalError      ReasonCode = "internal_error"
)

// KnownReasonCodes lists every reason code in declaration order.
var KnownReasonCodes = []ReasonCode{
	ReasonMapBuildFailed, ReasonPinsBuildFailed, ReasonPreflightFailed, ReasonInvalidTask,
	ReasonExecutorNotAllowed, ReasonModelNotAllowed, ReasonSnapshotFailed, ReasonTestsFailed,
	ReasonTestsTimeout, ReasonExecutorFailed, ReasonExecutorTimeout, ReasonNoDiffFound,
	ReasonScopeViolation, ReasonPatchApplyFailed, ReasonSecretExportFailed, ReasonInternalError,
}

// Valid reports whether r is a known reason code.
func (r ReasonCode) Valid() bool {
	for _, known := range KnownReasonCodes {
		if r == known {
			return true
		}
	}
	return false
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidTaskID reports whether id is usable as a single artifact directory name.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// TestsReport summarizes the declared test commands of a run.
type TestsReport struct {
	Commands []string `json:"commands"`
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary"`
}

// Artifacts holds repository-relative paths of the files a run produced.
type Artifacts struct {
	ReportMD    string `json:"report_md"`
	SelftestLog string `json:"selftest_log"`
	EvidenceDir string `json:"evidence_dir"`
	PatchDiff   string `json:"patch_diff"`
	SubmitJSON  string `json:"submit_json"`
}

// Paths returns the artifact paths keyed by their JSON field names.
func (a Artifacts) Paths() map[string]string {
	return map[string]string{
		"report_md":    a.ReportMD,
		"selftest_log": a.SelftestLog,
		"evidence_dir": a.EvidenceDir,
		"patch_diff":   a.PatchDiff,
		"submit_json":  a.SubmitJSON,
	}
}

// ArtifactNames lists artifact keys in a stable order.
var ArtifactNames = []string{"report_md", "selftest_log", "evidence_dir", "patch_diff", "submit_json"}

// ArtifactsFor builds the canonical artifact layout for a task under artifactsDir.
func ArtifactsFor(artifactsDir, taskID string) Artifacts {
	base := path.Join(artifactsDir, taskID)
	return Artifacts{
		ReportMD:    path.Join(base, "report.md"),
		SelftestLog: path.Join(base, "selftest.log"),
		EvidenceDir: path.Join(base, "evidence") + "/",
		PatchDiff:   path.Join(base, "patch.diff"),
		SubmitJSON:  path.Join(base, "submit.json"),
	}
}

// Submission is the single contract a run hands to downstream systems.
// It is created once per run and never modified afterwards.
type Submission struct {
	SchemaVersion string           `json:"schema_version"`
	TaskID        string           `json:"task_id"`
	Status        SubmissionStatus `json:"status"`
	ReasonCode    ReasonCode       `json:"reason_code,omitempty"`
	ChangedFiles  []string         `json:"changed_files"`
	Tests         TestsReport      `json:"tests"`
	Artifacts     Artifacts        `json:"artifacts"`
	ExitCode      int              `json:"exit_code"`
	NeedsInput    []string         `json:"needs_input"`

	NewFiles     []string               `json:"new_files,omitempty"`
	TouchedFiles []string               `json:"touched_files,omitempty"`
	SSOTPointers []string               `json:"ssot_pointers,omitempty"`
	Summary      string                 `json:"summary,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// ArtifactPrefix returns the directory prefix every artifact path must share.
func ArtifactPrefix(artifactsDir, taskID string) string {
	return strings.TrimSuffix(path.Join(artifactsDir, taskID), "/") + "/"
}
