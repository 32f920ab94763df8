// Package gates runs an ordered registry of named checks against a submission
// and renders a verdict.
package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/process"
	"github.com/entrhq/taskgate/pkg/types"
)

// Outcome is what a gate found. A gate that could not run returns an error
// instead.
type Outcome struct {
	Errors   []string
	Warnings []string
}

// Errorf records an error finding.
func (o *Outcome) Errorf(format string, args ...interface{}) {
	o.Errors = append(o.Errors, fmt.Sprintf(format, args...))
}

// Warnf records a warning finding.
func (o *Outcome) Warnf(format string, args ...interface{}) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Input is what every gate sees.
type Input struct {
	RepoRoot     string
	ArtifactsDir string
	Submission   *types.Submission
}

// Gate is a single named verification step.
type Gate interface {
	Name() string
	Check(ctx context.Context, in *Input) (Outcome, error)
}

// Func adapts a function into a Gate.
type Func struct {
	GateName string
	Fn       func(ctx context.Context, in *Input) (Outcome, error)
}

// Name implements Gate.
func (f Func) Name() string { return f.GateName }

// Check implements Gate.
func (f Func) Check(ctx context.Context, in *Input) (Outcome, error) { return f.Fn(ctx, in) }

// Registry is an ordered, static list of gates.
type Registry struct {
	gates []Gate
	names map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register appends a gate. Names must be unique.
func (r *Registry) Register(g Gate) error {
	name := g.Name()
	if name == "" {
		return fmt.Errorf("gate name is required")
	}
	if r.names[name] {
		return fmt.Errorf("gate %q is already registered", name)
	}
	r.names[name] = true
	r.gates = append(r.gates, g)
	return nil
}

// Gates returns the gates in declared order.
func (r *Registry) Gates() []Gate {
	return append([]Gate(nil), r.gates...)
}

// Names returns the gate names in declared order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.gates))
	for i, g := range r.gates {
		names[i] = g.Name()
	}
	return names
}

// FromConfig builds the built-in registry followed by the configured
// command gates.
func FromConfig(cfg config.GatesConfig, env []string) (*Registry, error) {
	r := Builtin()
	for _, c := range cfg.Commands {
		if err := r.Register(NewCommandGate(c, env)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// CommandGate runs a subprocess in the repository. A non-zero exit fails
// the gate and the tail of its output becomes the error detail.
type CommandGate struct {
	name    string
	argv    []string
	env     []string
	timeout time.Duration
}

// NewCommandGate creates a command-backed gate.
func NewCommandGate(cfg config.CommandGateConfig, env []string) *CommandGate {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandGate{name: cfg.Name, argv: cfg.Argv, env: env, timeout: timeout}
}

// Name implements Gate.
func (g *CommandGate) Name() string { return g.name }

// Check implements Gate.
func (g *CommandGate) Check(ctx context.Context, in *Input) (Outcome, error) {
	res, err := process.Run(ctx, process.Spec{
		Argv:    g.argv,
		Dir:     in.RepoRoot,
		Env:     g.env,
		Timeout: g.timeout,
	})
	if err != nil {
		return Outcome{}, &GateError{GateName: g.name, Err: err}
	}

	var out Outcome
	if runErr := res.Err(g.argv, g.timeout); runErr != nil {
		out.Errorf("%v", runErr)
		if tail := tailLines(res.Output, 20); tail != "" {
			out.Errors = append(out.Errors, tail)
		}
	}
	return out, nil
}

// GateError represents a gate that could not run.
type GateError struct {
	GateName string
	Err      error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate '%s' could not run: %v", e.GateName, e.Err)
}

// Unwrap returns the underlying error
func (e *GateError) Unwrap() error {
	return e.Err
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
