package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/entrhq/taskgate/pkg/artifacts"
	"github.com/entrhq/taskgate/pkg/executor"
	"github.com/entrhq/taskgate/pkg/gates"
	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/types"
)

type runCIGatesOpts struct {
	submit           string
	strict           bool
	legacyNeedsInput bool
}

func newRunCIGatesCmd(global *globalOpts) *cobra.Command {
	opts := &runCIGatesOpts{}

	cmd := &cobra.Command{
		Use:     "run-ci-gates",
		Aliases: []string{"run_ci_gates"},
		Short:   "Verify an existing submission",
		Long: `Run the gate registry against a submit.json and print the verdict.

Results are appended to ci_gate_results.jsonl next to the submission. Without
--strict, missing report, self-test log, patch and evidence directory are
replaced by placeholders before the gates run.

Exits 0 on PASS and 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.submit == "" {
				_ = cmd.Help()
				return &exitError{code: 2, err: fmt.Errorf("--submit is required")}
			}
			return runCIGates(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.submit, "submit", "", "submission file (submit.json)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "do not synthesize missing artifacts")
	cmd.Flags().BoolVar(&opts.legacyNeedsInput, "legacy-needs-input", false, "accept a missing needs_input on pre-1.0 submissions")
	return cmd
}

func runCIGates(cmd *cobra.Command, global *globalOpts, opts *runCIGatesOpts) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	repoRoot, err := filepath.Abs(cfg.RepoRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve repository root: %w", err)
	}

	data, err := os.ReadFile(opts.submit)
	if err != nil {
		return fmt.Errorf("failed to read submission: %w", err)
	}
	var sub types.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return fmt.Errorf("failed to parse submission: %w", err)
	}

	logger := logging.Discard()
	if cfg.Logging.Dir != "" {
		if logger, err = logging.New(resolve(cfg, cfg.Logging.Dir), "gates", sub.TaskID); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
		defer logger.Close()
	}

	env := executor.FilterEnv(os.Environ(), cfg.Executor.EnvPassthrough)
	registry, err := gates.FromConfig(cfg.Gates, env)
	if err != nil {
		return fmt.Errorf("failed to build gates: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	gr := gates.NewRunner(registry, repoRoot, cfg.ArtifactsDir, logger.With("gates"))
	verdict, err := gr.Run(ctx, &sub, gates.Options{Strict: opts.strict, LegacyNeedsInput: opts.legacyNeedsInput})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}

	if types.ValidTaskID(sub.TaskID) {
		w := artifacts.NewWriter(repoRoot, cfg.ArtifactsDir, sub.TaskID)
		if err := artifacts.WriteJSONAtomic(w.Path(artifacts.VerdictFile), verdict); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to write verdict: %v\n", err)
		}
	}

	console := logging.NewConsoleTo(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Verbosity))
	for _, res := range verdict.Results {
		details := append(append([]string{}, res.Errors...), res.Warnings...)
		console.Gate(res.GateName, string(res.Status), details)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdict); err != nil {
		return fmt.Errorf("failed to print verdict: %w", err)
	}
	if !verdict.Passed() {
		return &exitError{code: 1}
	}
	return nil
}
