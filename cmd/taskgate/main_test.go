package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/taskgate/pkg/types"
)

const testRoles = `roles:
  dev:
    permissions:
      write:
        allow_paths: ["src/**"]
`

const testChild = `{
  "role": "dev",
  "title": "Extend greeting",
  "goal": "append world to the greeting",
  "files": ["src/a.txt"]
}`

func setupRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "a.txt"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "roles.yaml"), []byte(testRoles), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "child.json"), []byte(testChild), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "taskgate.yaml"), []byte("ledger:\n  path: ledger.db\nlogging:\n  verbosity: quiet\n"), 0o644))
	return repo
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunChildTaskThenGates(t *testing.T) {
	repo := setupRepo(t)

	_, err := execute(t, "run-child-task", "--repo", repo, "--child", filepath.Join(repo, "child.json"), "--task-id", "t-cli")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(repo, "artifacts", "t-cli", "submit.json"))
	assert.FileExists(t, filepath.Join(repo, "artifacts", "t-cli", "t-cli-taskgate.log"))

	out, err := execute(t, "run_ci_gates", "--repo", repo, "--submit", filepath.Join(repo, "artifacts", "t-cli", "submit.json"), "--strict")
	require.NoError(t, err)
	assert.Contains(t, out, `"overall": "PASS"`)
	assert.Contains(t, out, `"attempt": 2`)

	out, err = execute(t, "history", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "t-cli")
	assert.Contains(t, out, "DONE")
}

func TestRunChildTask_NeedInputExitCode(t *testing.T) {
	repo := setupRepo(t)
	child := filepath.Join(repo, "vague.json")
	require.NoError(t, os.WriteFile(child, []byte(`{"role": "dev", "title": "Vague", "goal": "do something"}`), 0o644))

	_, err := execute(t, "run-child-task", "--repo", repo, "--child", child, "--task-id", "t-vague")
	var ee *exitError
	require.True(t, errors.As(err, &ee), "err = %v", err)
	assert.Equal(t, 3, ee.code)
}

func TestRunChildTask_MalformedChildWritesSubmission(t *testing.T) {
	repo := setupRepo(t)
	child := filepath.Join(repo, "bad.json")
	require.NoError(t, os.WriteFile(child, []byte("{not json"), 0o644))

	_, err := execute(t, "run-child-task", "--repo", repo, "--child", child, "--task-id", "t-bad-child")
	var ee *exitError
	require.True(t, errors.As(err, &ee), "err = %v", err)
	assert.Equal(t, 1, ee.code)

	data, err := os.ReadFile(filepath.Join(repo, "artifacts", "t-bad-child", "submit.json"))
	require.NoError(t, err)
	var sub types.Submission
	require.NoError(t, json.Unmarshal(data, &sub))
	assert.Equal(t, types.StatusFailed, sub.Status)
	assert.Equal(t, types.ReasonInvalidTask, sub.ReasonCode)
	assert.FileExists(t, filepath.Join(repo, "artifacts", "t-bad-child", "verdict.json"))
}

func TestRunCIGates_FailExitCode(t *testing.T) {
	repo := setupRepo(t)
	submit := filepath.Join(repo, "submit.json")
	require.NoError(t, os.WriteFile(submit, []byte(`{"schema_version": "1.0", "task_id": "t-bad", "status": "DONE", "exit_code": 1}`), 0o644))

	out, err := execute(t, "run-ci-gates", "--repo", repo, "--submit", submit, "--strict")
	var ee *exitError
	require.True(t, errors.As(err, &ee), "err = %v", err)
	assert.Equal(t, 1, ee.code)
	assert.Contains(t, out, `"overall": "FAIL"`)
}

func TestRequiredFlags(t *testing.T) {
	for _, args := range [][]string{{"run-child-task"}, {"run-ci-gates"}} {
		_, err := execute(t, args...)
		var ee *exitError
		require.True(t, errors.As(err, &ee), "%v: err = %v", args, err)
		assert.Equal(t, 2, ee.code)
	}
}

func TestUnknownExecutorFlag(t *testing.T) {
	repo := setupRepo(t)
	_, err := execute(t, "run-child-task", "--repo", repo, "--child", filepath.Join(repo, "child.json"), "--executor", "shell")
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
}
