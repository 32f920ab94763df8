package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entrhq/taskgate/pkg/types"
)

// Run is one row of the runs table.
type Run struct {
	ID           int64
	TaskID       string
	Role         string
	Executor     types.ExecutorKind
	Status       types.SubmissionStatus
	ReasonCode   types.ReasonCode
	ExitCode     int
	Verdict      types.OverallStatus
	RolledBack   bool
	ChangedFiles []string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// GateRow is one stored gate result.
type GateRow struct {
	Attempt int
	types.GateResult
}

// Ledger records runs.
type Ledger struct {
	db *sql.DB
}

// New wraps an open database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores a run and the results of every verify attempt in one
// transaction. It returns the new run id.
func (l *Ledger) Record(ctx context.Context, run Run, verdicts []*types.Verdict) (int64, error) {
	changed, err := json.Marshal(nonNil(run.ChangedFiles))
	if err != nil {
		return 0, fmt.Errorf("marshal changed files: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertRun = `INSERT INTO runs (task_id, role, executor, status, reason_code, exit_code, verdict, rolled_back, changed_files, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insertRun,
		run.TaskID,
		run.Role,
		string(run.Executor),
		string(run.Status),
		string(run.ReasonCode),
		run.ExitCode,
		string(run.Verdict),
		boolToInt(run.RolledBack),
		string(changed),
		run.StartedAt.Unix(),
		run.FinishedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}

	const insertGate = `INSERT INTO gate_results (run_id, attempt, gate_name, status, errors_json, warnings_json)
VALUES (?, ?, ?, ?, ?, ?)`
	for _, v := range verdicts {
		if v == nil {
			continue
		}
		for _, r := range v.Results {
			errs, _ := json.Marshal(nonNil(r.Errors))
			warns, _ := json.Marshal(nonNil(r.Warnings))
			if _, err := tx.ExecContext(ctx, insertGate, id, v.Attempt, r.GateName, string(r.Status), string(errs), string(warns)); err != nil {
				return 0, fmt.Errorf("insert gate result: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	return id, nil
}

// List returns the most recent runs first. A non-positive limit returns all.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, task_id, role, executor, status, reason_code, exit_code, verdict, rolled_back, changed_files, started_at, finished_at
FROM runs ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var executor, status, reason, verdict, changed string
		var rolledBack int
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Role, &executor, &status, &reason, &r.ExitCode, &verdict, &rolledBack, &changed, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Executor = types.ExecutorKind(executor)
		r.Status = types.SubmissionStatus(status)
		r.ReasonCode = types.ReasonCode(reason)
		r.Verdict = types.OverallStatus(verdict)
		r.RolledBack = rolledBack != 0
		if err := json.Unmarshal([]byte(changed), &r.ChangedFiles); err != nil {
			return nil, fmt.Errorf("decode changed files of run %d: %w", r.ID, err)
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GateResults returns the stored gate results of a run, by attempt then
// declared order.
func (l *Ledger) GateResults(ctx context.Context, runID int64) ([]GateRow, error) {
	const q = `SELECT attempt, gate_name, status, errors_json, warnings_json
FROM gate_results WHERE run_id = ? ORDER BY attempt ASC, id ASC`

	rows, err := l.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list gate results: %w", err)
	}
	defer rows.Close()

	var out []GateRow
	for rows.Next() {
		var g GateRow
		var status, errs, warns string
		if err := rows.Scan(&g.Attempt, &g.GateName, &status, &errs, &warns); err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		g.Status = types.GateStatus(status)
		if err := json.Unmarshal([]byte(errs), &g.Errors); err != nil {
			return nil, fmt.Errorf("decode gate errors: %w", err)
		}
		if err := json.Unmarshal([]byte(warns), &g.Warnings); err != nil {
			return nil, fmt.Errorf("decode gate warnings: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
