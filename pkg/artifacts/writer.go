// Package artifacts writes the per-task artifact tree: the submission, the
// report, logs, evidence and the append-only JSONL streams.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entrhq/taskgate/pkg/types"
)

// File names inside artifacts/<task_id>/ that are not part of the submission's
// artifact block.
const (
	EventsFile      = "events.jsonl"
	GateResultsFile = "ci_gate_results.jsonl"
	VerdictFile     = "verdict.json"
)

// Writer handles writing artifacts for one task.
type Writer struct {
	repoRoot string
	layout   types.Artifacts
	dir      string
}

// NewWriter creates a writer for artifacts/<task_id>/ under repoRoot.
// artifactsDir is repository-relative.
func NewWriter(repoRoot, artifactsDir, taskID string) *Writer {
	return &Writer{
		repoRoot: repoRoot,
		layout:   types.ArtifactsFor(artifactsDir, taskID),
		dir:      filepath.Join(repoRoot, filepath.FromSlash(artifactsDir), taskID),
	}
}

// Layout returns the repository-relative artifact paths.
func (w *Writer) Layout() types.Artifacts {
	return w.layout
}

// Dir returns the absolute task artifact directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Abs resolves a repository-relative artifact path.
func (w *Writer) Abs(rel string) string {
	return filepath.Join(w.repoRoot, filepath.FromSlash(rel))
}

// Path returns the absolute path of a file directly inside the task directory.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// EvidencePath returns the absolute path of an evidence file.
func (w *Writer) EvidencePath(name string) string {
	return filepath.Join(w.Abs(w.layout.EvidenceDir), name)
}

// Init creates the task directory and the evidence directory.
func (w *Writer) Init() error {
	if err := os.MkdirAll(w.Abs(w.layout.EvidenceDir), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return nil
}

// WriteJSON writes v as indented JSON to a repository-relative path.
func (w *Writer) WriteJSON(rel string, v interface{}) error {
	return WriteJSONAtomic(w.Abs(rel), v)
}

// WriteText writes content to a repository-relative path.
func (w *Writer) WriteText(rel, content string) error {
	return WriteFileAtomic(w.Abs(rel), []byte(content))
}

// WriteEvidence writes v as JSON into the evidence directory.
func (w *Writer) WriteEvidence(name string, v interface{}) error {
	return WriteJSONAtomic(w.EvidencePath(name), v)
}

// AppendEvent appends one event line to events.jsonl.
func (w *Writer) AppendEvent(e *types.RunEvent) error {
	return AppendJSONL(w.Path(EventsFile), e)
}

// WriteJSONAtomic marshals v and writes it via a temporary file and rename.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteFileAtomic writes data via a temporary file in the same directory.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendJSONL appends v as a single compact JSON line. The file is created
// lazily and never truncated.
func AppendJSONL(path string, v interface{}) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	_, err = f.Write(append(data, '\n'))
	return err
}
