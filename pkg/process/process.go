// Package process runs external commands as argument vectors, never through a
// shell, with a mandatory timeout and process-group termination.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// GracePeriod is the time between SIGINT and SIGKILL when a process group is
// terminated on timeout or cancellation.
const GracePeriod = 3 * time.Second

// DefaultTimeout applies when a Spec carries no timeout.
const DefaultTimeout = 10 * time.Minute

// Spec describes one subprocess invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     []string // nil inherits the current environment
	Stdin   string
	Timeout time.Duration

	// Output, if set, receives a copy of combined stdout and stderr as it is
	// produced.
	Output io.Writer

	// Stderr, if set, receives stderr instead of Result.Output, leaving
	// Output with stdout only.
	Stderr io.Writer
}

// Result is the outcome of a subprocess that started. A non-zero exit is a
// Result, not an error.
type Result struct {
	ExitCode  int
	Signal    string
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
	Output    string
}

// OK reports whether the process exited zero without timing out.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// TimeoutError reports a process killed after exceeding its timeout.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Argv[0], e.Timeout)
}

// Err converts an unsuccessful result into an error: a *TimeoutError for a
// timeout, a plain error otherwise. It returns nil for a successful run.
func (r *Result) Err(argv []string, timeout time.Duration) error {
	switch {
	case r.TimedOut:
		return &TimeoutError{Argv: argv, Timeout: timeout}
	case r.Cancelled:
		return fmt.Errorf("command %q cancelled", argv[0])
	case r.Signal != "":
		return fmt.Errorf("command %q terminated by %s", argv[0], r.Signal)
	case r.ExitCode != 0:
		return fmt.Errorf("command %q exited with code %d", argv[0], r.ExitCode)
	}
	return nil
}

// Run executes spec.Argv and waits for it. The returned error is non-nil only
// when the process could not be started.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, errors.New("empty command")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	var out io.Writer = &buf
	if spec.Output != nil {
		out = io.MultiWriter(&buf, spec.Output)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = out
	cmd.Stderr = out
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	if spec.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(spec.Stdin)
	} else {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
		}
		defer devnull.Close()
		cmd.Stdin = devnull
	}

	// Own process group so the whole tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", spec.Argv[0], err)
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	res := &Result{}
	var runErr error

	select {
	case runErr = <-waitDone:
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			res.Cancelled = true
		} else {
			res.TimedOut = true
		}
		runErr = killProcessGroup(pgid, waitDone)
	}

	res.Duration = time.Since(start)
	res.Output = buf.String()
	res.ExitCode, res.Signal = exitStatus(runErr)
	if (res.TimedOut || res.Cancelled) && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res, nil
}

// killProcessGroup sends SIGINT to the group, waits up to GracePeriod for the
// leader to exit, then sends SIGKILL.
func killProcessGroup(pgid int, waitDone <-chan error) error {
	_ = syscall.Kill(-pgid, syscall.SIGINT)

	select {
	case err := <-waitDone:
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return err
	case <-time.After(GracePeriod):
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	return <-waitDone
}

func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1, status.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
