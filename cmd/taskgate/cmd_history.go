package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/entrhq/taskgate/pkg/ledger"
)

func newHistoryCmd(global *globalOpts) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if cfg.Ledger.Path == "" {
				return fmt.Errorf("no ledger configured (set ledger.path)")
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			runs, err := l.List(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(runs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 lists all)")
	return cmd
}

var historyHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var historyCellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderHistory(runs []ledger.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rolledBack := ""
		if r.RolledBack {
			rolledBack = "yes"
		}
		rows = append(rows, []string{
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			r.TaskID,
			r.Role,
			string(r.Executor),
			string(r.Status),
			string(r.ReasonCode),
			string(r.Verdict),
			strconv.Itoa(r.ExitCode),
			rolledBack,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FINISHED", "TASK", "ROLE", "EXECUTOR", "STATUS", "REASON", "VERDICT", "EXIT", "ROLLBACK").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return historyHeaderStyle
			}
			return historyCellStyle
		})
	return t.Render()
}
