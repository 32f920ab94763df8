package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/taskgate/pkg/config"
	"github.com/entrhq/taskgate/pkg/types"
)

const inScopeOutput = "Here is the change:\n\n```diff\n" +
	"--- a/src/a.txt\n" +
	"+++ b/src/a.txt\n" +
	"@@ -1 +1 @@\n" +
	"-hello\n" +
	"+hello world\n" +
	"```\n"

const outOfScopeOutput = "```diff\n" +
	"--- a/docs/readme.txt\n" +
	"+++ b/docs/readme.txt\n" +
	"@@ -1 +1 @@\n" +
	"-docs\n" +
	"+changed\n" +
	"```\n"

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// fakeModel writes a script that discards stdin and prints output.
func fakeModel(t *testing.T, output string) string {
	t.Helper()
	requireSh(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "output.txt")
	require.NoError(t, os.WriteFile(outPath, []byte(output), 0o644))
	p := filepath.Join(dir, "model.sh")
	body := fmt.Sprintf("#!/bin/sh\ncat >/dev/null\ncat '%s'\n", outPath)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

func testRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "a.txt"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "docs", "readme.txt"), []byte("docs\n"), 0o644))
	return repo
}

func testRequest(repo string) Request {
	return Request{
		Task: &types.ChildTask{Role: "dev", Title: "Greeting", Goal: "extend greeting", Files: []string{"src/a.txt"}},
		Policy: types.RolePolicy{Permissions: types.Permissions{Write: types.WritePermissions{
			AllowPaths: []string{"src/**"},
		}}},
		RepoRoot:    repo,
		EvidenceDir: filepath.Join(repo, "artifacts", "t1", "evidence"),
		Timeout:     10 * time.Second,
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(data)
}

func TestNew(t *testing.T) {
	cfg := config.ExecutorConfig{Codex: config.CodexConfig{Argv: []string{"codex", "exec"}}}

	for _, kind := range types.KnownExecutors {
		ex, err := New(kind, cfg, nil)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, ex.Kind())
	}

	_, err := New(types.ExecutorCodexDiff, config.ExecutorConfig{}, nil)
	assert.Error(t, err)

	_, err = New("bogus", cfg, nil)
	assert.Error(t, err)
}

func TestFilterEnv(t *testing.T) {
	env := []string{"PATH=/bin", "HOME=/root", "SECRET=x", "LANG=C=UTF8"}
	got := FilterEnv(env, []string{"PATH", "LANG"})
	assert.Equal(t, []string{"PATH=/bin", "LANG=C=UTF8"}, got)
}

func TestNoop(t *testing.T) {
	res := (&Noop{}).Execute(context.Background(), Request{})
	assert.True(t, res.OK())
	assert.Empty(t, res.ChangedFiles)
}

func TestCommand(t *testing.T) {
	requireSh(t)
	tests := []struct {
		name       string
		argv       []string
		timeout    time.Duration
		wantOK     bool
		wantReason types.ReasonCode
		wantCode   int
	}{
		{name: "success", argv: []string{"sh", "-c", "echo done"}, wantOK: true},
		{name: "non-zero exit", argv: []string{"sh", "-c", "exit 3"}, wantReason: types.ReasonExecutorFailed, wantCode: 3},
		{name: "empty argv", argv: nil, wantReason: types.ReasonExecutorFailed, wantCode: 1},
		{name: "timeout", argv: []string{"sh", "-c", "sleep 5"}, timeout: 200 * time.Millisecond, wantReason: types.ReasonExecutorTimeout, wantCode: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(testRepo(t))
			req.Task.Runner.Command = tt.argv
			if tt.timeout > 0 {
				req.Timeout = tt.timeout
			}

			res := (&Command{Env: os.Environ()}).Execute(context.Background(), req)
			assert.Equal(t, tt.wantOK, res.OK(), res.Message)
			if !tt.wantOK {
				assert.Equal(t, tt.wantReason, res.Reason)
				assert.Equal(t, tt.wantCode, res.ExitCode)
			}
		})
	}
}

func TestCodexDiff_AppliesInScopeDiff(t *testing.T) {
	repo := testRepo(t)
	req := testRequest(repo)
	ex := &CodexDiff{Argv: []string{fakeModel(t, inScopeOutput)}, Env: os.Environ()}

	res := ex.Execute(context.Background(), req)
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, []string{"src/a.txt"}, res.ChangedFiles)
	assert.Equal(t, []string{"src/a.txt"}, res.TouchedFiles)
	assert.Equal(t, "hello world\n", readFile(t, filepath.Join(repo, "src", "a.txt")))
	require.Len(t, res.Stats, 1)
	assert.Equal(t, 1, res.Stats[0].LinesAdded)
	assert.Equal(t, 1, res.Stats[0].LinesRemoved)

	prompt := readFile(t, filepath.Join(req.EvidenceDir, PromptFile))
	assert.Contains(t, prompt, "extend greeting")
	assert.Contains(t, prompt, "`src/**`")
	assert.Equal(t, inScopeOutput, readFile(t, filepath.Join(req.EvidenceDir, OutputFile)))
}

func TestCodexDiff_Failures(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantReason types.ReasonCode
	}{
		{name: "out of scope", output: outOfScopeOutput, wantReason: types.ReasonScopeViolation},
		{name: "no diff", output: "I could not produce a change.\n", wantReason: types.ReasonNoDiffFound},
		{
			name:       "context mismatch",
			output:     "```diff\n--- a/src/a.txt\n+++ b/src/a.txt\n@@ -1 +1 @@\n-goodbye\n+hi\n```\n",
			wantReason: types.ReasonPatchApplyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := testRepo(t)
			ex := &CodexDiff{Argv: []string{fakeModel(t, tt.output)}, Env: os.Environ()}

			res := ex.Execute(context.Background(), testRequest(repo))
			assert.False(t, res.OK())
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Empty(t, res.ChangedFiles)
			assert.Equal(t, "hello\n", readFile(t, filepath.Join(repo, "src", "a.txt")))
			assert.Equal(t, "docs\n", readFile(t, filepath.Join(repo, "docs", "readme.txt")))
		})
	}
}

func TestCodexDiff_ScopeViolationCarriesGuard(t *testing.T) {
	repo := testRepo(t)
	ex := &CodexDiff{Argv: []string{fakeModel(t, outOfScopeOutput)}, Env: os.Environ()}

	res := ex.Execute(context.Background(), testRequest(repo))
	require.NotNil(t, res.Guard)
	assert.False(t, res.Guard.OK)
	assert.Equal(t, []string{"docs/readme.txt"}, res.Guard.DeniedPaths())
}

func TestCodexDiff_Timeout(t *testing.T) {
	requireSh(t)
	req := testRequest(testRepo(t))
	req.Timeout = 200 * time.Millisecond
	ex := &CodexDiff{Argv: []string{"sh", "-c", "sleep 5"}, Env: os.Environ()}

	res := ex.Execute(context.Background(), req)
	assert.False(t, res.OK())
	assert.Equal(t, types.ReasonExecutorTimeout, res.Reason)
}

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body := map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIDiff(t *testing.T) {
	t.Setenv("TASKGATE_TEST_KEY", "sk-test")
	repo := testRepo(t)
	srv := chatServer(t, inScopeOutput)

	ex := &OpenAIDiff{Config: config.OpenAIConfig{Model: "gpt-test", BaseURL: srv.URL + "/v1", APIKeyEnv: "TASKGATE_TEST_KEY"}}
	res := ex.Execute(context.Background(), testRequest(repo))
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, []string{"src/a.txt"}, res.ChangedFiles)
	assert.Equal(t, "hello world\n", readFile(t, filepath.Join(repo, "src", "a.txt")))
}

func TestOpenAIDiff_Rejections(t *testing.T) {
	t.Setenv("TASKGATE_TEST_KEY", "sk-test")
	t.Setenv("TASKGATE_MISSING_KEY", "")

	t.Run("model not allowed", func(t *testing.T) {
		req := testRequest(testRepo(t))
		req.Task.AllowedModels = []string{"gpt-small"}
		req.Task.Runner.Model = "gpt-large"
		ex := &OpenAIDiff{Config: config.OpenAIConfig{Model: "gpt-small", APIKeyEnv: "TASKGATE_TEST_KEY"}}

		res := ex.Execute(context.Background(), req)
		assert.Equal(t, types.ReasonModelNotAllowed, res.Reason)
	})

	t.Run("missing key", func(t *testing.T) {
		ex := &OpenAIDiff{Config: config.OpenAIConfig{Model: "gpt-test", APIKeyEnv: "TASKGATE_MISSING_KEY"}}
		res := ex.Execute(context.Background(), testRequest(testRepo(t)))
		assert.Equal(t, types.ReasonSecretExportFailed, res.Reason)
	})
}

func TestOpenAIDiff_Model(t *testing.T) {
	ex := &OpenAIDiff{Config: config.OpenAIConfig{Model: "default-model"}}
	assert.Equal(t, "default-model", ex.Model(&types.ChildTask{}))
	assert.Equal(t, "task-model", ex.Model(&types.ChildTask{Runner: types.RunnerSpec{Model: "task-model"}}))
}

func TestBuildPrompt(t *testing.T) {
	req := testRequest("/repo")
	req.Pins = &types.PinsSpec{AllowedPaths: []string{"src"}, Symbols: []string{"Greet"}}
	req.Policy.Permissions.Write.DenyPaths = []string{"src/secret/**"}

	prompt := BuildPrompt(req)
	assert.True(t, strings.HasPrefix(prompt, "# Greeting\n"))
	for _, want := range []string{"## Goal", "extend greeting", "## Pinned paths", "`Greet`", "## Never write", "`src/secret/**`", "```diff"} {
		assert.Contains(t, prompt, want)
	}
	assert.NotContains(t, prompt, "## Skills")
}
