package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRun_ExitCodes(t *testing.T) {
	requireSh(t)

	tests := []struct {
		name     string
		argv     []string
		wantCode int
		wantOut  string
	}{
		{name: "success", argv: []string{"sh", "-c", "echo hello"}, wantCode: 0, wantOut: "hello\n"},
		{name: "failure", argv: []string{"sh", "-c", "echo oops >&2; exit 3"}, wantCode: 3, wantOut: "oops\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(context.Background(), Spec{Argv: tt.argv, Timeout: 10 * time.Second})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if res.Output != tt.wantOut {
				t.Errorf("Output = %q, want %q", res.Output, tt.wantOut)
			}
			if res.OK() != (tt.wantCode == 0) {
				t.Errorf("OK() = %v", res.OK())
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	requireSh(t)

	argv := []string{"sh", "-c", "sleep 30"}
	start := time.Now()
	res, err := Run(context.Background(), Spec{Argv: argv, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.OK() {
		t.Error("timed out result reported OK")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v, process group was not killed promptly", elapsed)
	}

	var timeoutErr *TimeoutError
	if !errors.As(res.Err(argv, 200*time.Millisecond), &timeoutErr) {
		t.Errorf("Err() = %v, want *TimeoutError", res.Err(argv, 200*time.Millisecond))
	}
}

func TestRun_Cancelled(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := Run(ctx, Spec{Argv: []string{"sh", "-c", "sleep 30"}, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Cancelled || res.TimedOut {
		t.Errorf("Cancelled = %v, TimedOut = %v", res.Cancelled, res.TimedOut)
	}
}

func TestRun_StdinAndTee(t *testing.T) {
	requireSh(t)

	var tee bytes.Buffer
	res, err := Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "cat"},
		Stdin:   "prompt text",
		Timeout: 10 * time.Second,
		Output:  &tee,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Output != "prompt text" || tee.String() != "prompt text" {
		t.Errorf("Output = %q, tee = %q", res.Output, tee.String())
	}
}

func TestRun_StartFailure(t *testing.T) {
	if _, err := Run(context.Background(), Spec{Argv: []string{"/definitely/not/here"}}); err == nil {
		t.Error("expected start error")
	}
	if _, err := Run(context.Background(), Spec{}); err == nil {
		t.Error("expected error for empty argv")
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr string
	}{
		{in: "go test ./...", want: []string{"go", "test", "./..."}},
		{in: `pytest -k "slow and not flaky"`, want: []string{"pytest", "-k", "slow and not flaky"}},
		{in: `echo 'a;b'`, want: []string{"echo", "a;b"}},
		{in: `run ""`, want: []string{"run", ""}},
		{in: "make test && rm -rf /", wantErr: "metacharacter"},
		{in: "cat file | sh", wantErr: "metacharacter"},
		{in: "echo $HOME", wantErr: "metacharacter"},
		{in: "echo `id`", wantErr: "metacharacter"},
		{in: "ls > out", wantErr: "metacharacter"},
		{in: `echo "open`, wantErr: "unterminated"},
		{in: "   ", wantErr: "empty"},
	}

	for _, tt := range tests {
		got, err := SplitCommand(tt.in)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("SplitCommand(%q) error = %v, want containing %q", tt.in, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitCommand(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
