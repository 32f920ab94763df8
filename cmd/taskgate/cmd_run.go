package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/executor"
	"github.com/entrhq/taskgate/pkg/gates"
	"github.com/entrhq/taskgate/pkg/logging"
	"github.com/entrhq/taskgate/pkg/runner"
	"github.com/entrhq/taskgate/pkg/types"
)

type runChildTaskOpts struct {
	child        string
	taskID       string
	executor     string
	policies     string
	snapshot     bool
	testTimeoutS int
}

func newRunChildTaskCmd(global *globalOpts) *cobra.Command {
	opts := &runChildTaskOpts{}

	cmd := &cobra.Command{
		Use:     "run-child-task",
		Aliases: []string{"run_child_task"},
		Short:   "Run one child task through the pipeline",
		Long: `Run one child task through PRECHECK, PINS, PREFLIGHT, EXEC and VERIFY.

Exit codes:
  0  submission DONE and verdict PASS
  3  submission NEED_INPUT
  1  anything else`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.child == "" {
				_ = cmd.Help()
				return &exitError{code: 2, err: fmt.Errorf("--child is required")}
			}
			return runChildTask(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.child, "child", "", "child task file (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&opts.taskID, "task-id", "", "task id (default: generated)")
	cmd.Flags().StringVar(&opts.executor, "executor", "", "executor override: noop, command, codex_diff or openai_diff")
	cmd.Flags().StringVar(&opts.policies, "policies", "", "role policy file (default: policies_file from the configuration)")
	cmd.Flags().BoolVar(&opts.snapshot, "snapshot", false, "snapshot the repository before EXEC and roll back on a failed verify")
	cmd.Flags().IntVar(&opts.testTimeoutS, "timeout-tests-s", 0, "per-command test timeout in seconds (default: timeouts.test)")
	return cmd
}

func runChildTask(cmd *cobra.Command, global *globalOpts, opts *runChildTaskOpts) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}

	var kind types.ExecutorKind
	if opts.executor != "" {
		if kind, err = types.ParseExecutorKind(opts.executor); err != nil {
			return &exitError{code: 2, err: err}
		}
	}

	// A child task that cannot be loaded still gets a FAILED submission.
	task, taskErr := config.LoadChildTask(opts.child)
	if taskErr != nil {
		task = &types.ChildTask{Title: filepath.Base(opts.child)}
	}
	childPath, err := filepath.Abs(opts.child)
	if err != nil {
		return fmt.Errorf("failed to resolve child task path: %w", err)
	}

	policiesPath := opts.policies
	if policiesPath == "" {
		policiesPath = resolve(cfg, cfg.PoliciesFile)
	}
	// A missing policy file is reported as invalid_task by the pipeline.
	policies, err := config.LoadPolicies(policiesPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		policies = nil
	}

	taskID := opts.taskID
	if taskID == "" {
		taskID = runner.NewTaskID()
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(cfg.ArtifactsDir, taskID)
	}
	logger, err := logging.New(resolve(cfg, logDir), "taskgate", taskID)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}
	defer logger.Close()

	l, err := openLedger(cfg)
	if err != nil {
		logger.Warnf("ledger unavailable: %v", err)
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: ledger unavailable: %v\n", err)
	}
	if l != nil {
		defer l.Close()
	}

	env := executor.FilterEnv(os.Environ(), cfg.Executor.EnvPassthrough)
	registry, err := gates.FromConfig(cfg.Gates, env)
	if err != nil {
		return fmt.Errorf("failed to build gates: %w", err)
	}

	r := runner.New(cfg, policies, runner.Deps{
		Services: runner.ServicesFromConfig(cfg, env),
		Gates:    registry,
		Ledger:   l,
		Logger:   logger,
		Console:  logging.NewConsoleTo(cmd.OutOrStdout(), logging.ParseLevel(cfg.Logging.Verbosity)),
	})

	ctx, cancel := signalContext()
	defer cancel()

	out, err := r.Run(ctx, task, runner.Options{
		TaskID:      taskID,
		TaskPath:    childPath,
		Executor:    kind,
		Snapshot:    opts.snapshot,
		TestTimeout: time.Duration(opts.testTimeoutS) * time.Second,
		TaskError:   taskErr,
	})
	if err != nil {
		return err
	}
	if out.ExitCode != runner.ExitOK {
		return &exitError{code: out.ExitCode}
	}
	return nil
}
