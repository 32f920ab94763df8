// Package config loads the runner configuration, role policies, and child
// task files.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the taskgate runner configuration, usually read from taskgate.yaml.
type Config struct {
	// RepoRoot is the repository the runner operates on.
	RepoRoot string `yaml:"repo_root" json:"repo_root"`

	// ArtifactsDir is the repository-relative directory that receives
	// artifacts/<task_id>/.
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir"`

	// PoliciesFile holds the role policies, keyed by role.
	PoliciesFile string `yaml:"policies_file" json:"policies_file"`

	Timeouts TimeoutConfig  `yaml:"timeouts" json:"timeouts"`
	Services ServicesConfig `yaml:"services" json:"services"`
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Gates    GatesConfig    `yaml:"gates" json:"gates"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// TimeoutConfig bounds every external call.
type TimeoutConfig struct {
	Index     time.Duration `yaml:"index" json:"index"`
	Pins      time.Duration `yaml:"pins" json:"pins"`
	Preflight time.Duration `yaml:"preflight" json:"preflight"`
	Test      time.Duration `yaml:"test" json:"test"`
	Executor  time.Duration `yaml:"executor" json:"executor"`
}

// ServicesConfig declares the external collaborators as argument vectors.
// The placeholders {task}, {repo} and {out} are substituted as whole
// arguments. An empty vector selects the built-in behaviour.
type ServicesConfig struct {
	IndexBuilder []string `yaml:"index_builder" json:"index_builder"`
	PinsBuilder  []string `yaml:"pins_builder" json:"pins_builder"`
	Preflight    []string `yaml:"preflight" json:"preflight"`
}

// ExecutorConfig configures the generative executors.
type ExecutorConfig struct {
	Codex  CodexConfig  `yaml:"codex" json:"codex"`
	OpenAI OpenAIConfig `yaml:"openai" json:"openai"`

	// EnvPassthrough names the environment variables executors inherit.
	// Everything else is withheld.
	EnvPassthrough []string `yaml:"env_passthrough" json:"env_passthrough"`
}

// CodexConfig runs an external text-generation process. The prompt is
// written to its stdin. When argv runs the codex binary it must carry a
// read-only sandbox flag so that only the returned diff changes the tree.
type CodexConfig struct {
	Argv []string `yaml:"argv" json:"argv"`
}

// OpenAIConfig configures the OpenAI-compatible executor.
type OpenAIConfig struct {
	Model     string `yaml:"model" json:"model"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

// SnapshotConfig controls where snapshots live and what they skip.
type SnapshotConfig struct {
	Dir     string   `yaml:"dir" json:"dir"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// GatesConfig controls verification.
type GatesConfig struct {
	Strict bool `yaml:"strict" json:"strict"`

	// Commands are extra gates run after the built-in registry, in order.
	Commands []CommandGateConfig `yaml:"commands" json:"commands"`
}

// CommandGateConfig defines a gate backed by a subprocess. A non-zero exit
// fails the gate.
type CommandGateConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Argv    []string      `yaml:"argv" json:"argv"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// LedgerConfig enables the SQLite run history. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls console output: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`

	// Dir receives the per-run log file. Empty means <artifacts_dir>/logs.
	Dir string `yaml:"dir" json:"dir"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root is required")
	}
	if c.ArtifactsDir == "" {
		return fmt.Errorf("artifacts_dir is required")
	}

	timeouts := map[string]time.Duration{
		"index":     c.Timeouts.Index,
		"pins":      c.Timeouts.Pins,
		"preflight": c.Timeouts.Preflight,
		"test":      c.Timeouts.Test,
		"executor":  c.Timeouts.Executor,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}

	seen := make(map[string]bool)
	for i, g := range c.Gates.Commands {
		if g.Name == "" {
			return fmt.Errorf("gates.commands[%d]: name is required", i)
		}
		if len(g.Argv) == 0 {
			return fmt.Errorf("gates.commands[%d] (%s): argv is required", i, g.Name)
		}
		if seen[g.Name] {
			return fmt.Errorf("gates.commands: duplicate gate name %q", g.Name)
		}
		seen[g.Name] = true
	}

	if argv := c.Executor.Codex.Argv; len(argv) > 0 && isCodexBinary(argv[0]) && !hasReadOnlySandbox(argv[1:]) {
		return fmt.Errorf("executor.codex.argv must run codex with --sandbox read-only")
	}

	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

func isCodexBinary(name string) bool {
	base := strings.TrimSuffix(filepath.Base(name), ".exe")
	return base == "codex"
}

// hasReadOnlySandbox reports whether args select the read-only sandbox, as
// "--sandbox read-only", "--sandbox=read-only" or "-s read-only".
func hasReadOnlySandbox(args []string) bool {
	for i, a := range args {
		switch {
		case a == "--sandbox=read-only":
			return true
		case (a == "--sandbox" || a == "-s") && i+1 < len(args) && args[i+1] == "read-only":
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration suitable for most use cases
func DefaultConfig() *Config {
	return &Config{
		RepoRoot:     ".",
		ArtifactsDir: "artifacts",
		PoliciesFile: "roles.yaml",
		Timeouts: TimeoutConfig{
			Index:     2 * time.Minute,
			Pins:      time.Minute,
			Preflight: time.Minute,
			Test:      10 * time.Minute,
			Executor:  15 * time.Minute,
		},
		Executor: ExecutorConfig{
			Codex: CodexConfig{
				Argv: []string{"codex", "exec", "--sandbox", "read-only", "-"},
			},
			OpenAI: OpenAIConfig{
				Model:     "gpt-4o",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			EnvPassthrough: []string{"PATH", "HOME", "LANG", "TMPDIR"},
		},
		Gates: GatesConfig{Strict: true},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}
