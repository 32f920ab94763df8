package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/ledger"
)

const (
	version           = "0.1.0"
	defaultConfigFile = "taskgate.yaml"
)

// globalOpts are flags shared by every subcommand.
type globalOpts struct {
	configFile string
	repo       string
	verbosity  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:   "taskgate",
		Short: "Run scoped child tasks and gate their submissions",
		Long: `taskgate - execution pipeline for narrowly-scoped code-change tasks

A child task is prechecked, pinned to a working set, checked for missing
input, executed under a role's write policy, and verified by an ordered set
of gates. Every run leaves a submission, a report, a patch and an event log
under artifacts/<task_id>/.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "configuration file (default: <repo>/taskgate.yaml when present)")
	root.PersistentFlags().StringVar(&opts.repo, "repo", "", "repository root (overrides repo_root)")
	root.PersistentFlags().StringVar(&opts.verbosity, "verbosity", "", "console verbosity: quiet, normal, verbose or debug")

	root.AddCommand(
		newRunChildTaskCmd(opts),
		newRunCIGatesCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// loadConfig builds the validated configuration for a command. Flags win
// over the file, the file wins over defaults.
func loadConfig(opts *globalOpts) (*config.Config, error) {
	path := opts.configFile
	if path == "" {
		base := opts.repo
		if base == "" {
			base = "."
		}
		candidate := filepath.Join(base, defaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.repo != "" {
		cfg.RepoRoot = opts.repo
	}
	if opts.verbosity != "" {
		cfg.Logging.Verbosity = opts.verbosity
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolve makes p absolute against the repository root.
func resolve(cfg *config.Config, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.RepoRoot, p)
}

// openLedger opens the configured ledger, or returns nil when none is set.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	if cfg.Ledger.Path == "" {
		return nil, nil
	}
	db, err := ledger.Open(resolve(cfg, cfg.Ledger.Path))
	if err != nil {
		return nil, err
	}
	return ledger.New(db), nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
