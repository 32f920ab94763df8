package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExecutorKind names one of the executors a child task may run.
type ExecutorKind string

const (
	ExecutorNoop       ExecutorKind = "noop"        // ExecutorNoop always succeeds without touching the repository.
	ExecutorCommand    ExecutorKind = "command"     // ExecutorCommand runs a pre-declared argument vector.
	ExecutorCodexDiff  ExecutorKind = "codex_diff"  // ExecutorCodexDiff asks an external text-generation process for a patch.
	ExecutorOpenAIDiff ExecutorKind = "openai_diff" // ExecutorOpenAIDiff asks an OpenAI-compatible API for a patch.
)

// KnownExecutors lists every executor kind in a stable order.
var KnownExecutors = []ExecutorKind{ExecutorNoop, ExecutorCommand, ExecutorCodexDiff, ExecutorOpenAIDiff}

// ParseExecutorKind validates an executor name.
func ParseExecutorKind(s string) (ExecutorKind, error) {
	for _, k := range KnownExecutors {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown executor %q", s)
}

// PinsSpec is the computed working set a child task may touch.
type PinsSpec struct {
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	Files        []string `json:"files,omitempty" yaml:"files,omitempty"`
	Symbols      []string `json:"symbols,omitempty" yaml:"symbols,omitempty"`
}

// RestrictsPaths reports whether the pins narrow the writable scope.
// A missing list or a lone "**" entry means no restriction.
func (p *PinsSpec) RestrictsPaths() bool {
	if p == nil || len(p.AllowedPaths) == 0 {
		return false
	}
	if len(p.AllowedPaths) == 1 && p.AllowedPaths[0] == "**" {
		return false
	}
	return true
}

// RunnerSpec selects and parameterizes the executor for a child task.
type RunnerSpec struct {
	Executor ExecutorKind `json:"executor,omitempty" yaml:"executor,omitempty"`
	Command  []string     `json:"command,omitempty" yaml:"command,omitempty"`
	Model    string       `json:"model,omitempty" yaml:"model,omitempty"`
}

// ChildTask is one narrowly-scoped code-change request handed over by a scheduler.
type ChildTask struct {
	Role             string          `json:"role" yaml:"role"`
	Title            string          `json:"title" yaml:"title"`
	Goal             string          `json:"goal" yaml:"goal"`
	Files            []string        `json:"files,omitempty" yaml:"files,omitempty"`
	Skills           []string        `json:"skills,omitempty" yaml:"skills,omitempty"`
	Pins             *PinsSpec       `json:"pins,omitempty" yaml:"pins,omitempty"`
	PinsInstance     json.RawMessage `json:"pins_instance,omitempty" yaml:"-"`
	AllowedTests     []string        `json:"allowedTests,omitempty" yaml:"allowedTests,omitempty"`
	AllowedExecutors []ExecutorKind  `json:"allowedExecutors,omitempty" yaml:"allowedExecutors,omitempty"`
	AllowedModels    []string        `json:"allowedModels,omitempty" yaml:"allowedModels,omitempty"`
	Runner           RunnerSpec      `json:"runner,omitempty" yaml:"runner,omitempty"`
	TaskClassID      string          `json:"task_class_id,omitempty" yaml:"task_class_id,omitempty"`
}

// Validate checks the fields every pipeline phase relies on.
func (t *ChildTask) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Role) == "" {
		missing = append(missing, "role")
	}
	if strings.TrimSpace(t.Goal) == "" {
		missing = append(missing, "goal")
	}
	if len(missing) > 0 {
		return fmt.Errorf("child task is missing required fields: %s", strings.Join(missing, ", "))
	}
	for _, k := range t.AllowedExecutors {
		if _, err := ParseExecutorKind(string(k)); err != nil {
			return fmt.Errorf("allowedExecutors: %w", err)
		}
	}
	return nil
}

// ExecutorAllowed reports whether the task permits the given executor.
// An empty allow-list permits every executor.
func (t *ChildTask) ExecutorAllowed(kind ExecutorKind) bool {
	if len(t.AllowedExecutors) == 0 {
		return true
	}
	for _, k := range t.AllowedExecutors {
		if k == kind {
			return true
		}
	}
	return false
}

// ModelAllowed reports whether the task permits the given model.
// An empty allow-list permits every model.
func (t *ChildTask) ModelAllowed(model string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, m := range t.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// WritePermissions holds the glob patterns a role may or may not write.
type WritePermissions struct {
	AllowPaths []string `json:"allow_paths" yaml:"allow_paths"`
	DenyPaths  []string `json:"deny_paths,omitempty" yaml:"deny_paths,omitempty"`
}

// Permissions groups the permission sections of a role policy.
type Permissions struct {
	Write WritePermissions `json:"write" yaml:"write"`
}

// RolePolicy is the read-only write policy attached to a role.
type RolePolicy struct {
	Permissions Permissions `json:"permissions" yaml:"permissions"`
}
