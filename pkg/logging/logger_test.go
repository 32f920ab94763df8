package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(dir, "test-component", "task-1")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.component != "test-component" {
		t.Errorf("Expected component 'test-component', got %q", logger.component)
	}
	if logger.SessionID() == "" {
		t.Error("Expected non-empty session ID")
	}
	if want := filepath.Join(dir, "task-1-taskgate.log"); logger.LogPath() != want {
		t.Errorf("LogPath() = %q, want %q", logger.LogPath(), want)
	}
	if _, err := os.Stat(logger.LogPath()); os.IsNotExist(err) {
		t.Errorf("Log file does not exist at %s", logger.LogPath())
	}
}

func TestNew_EmptyNameUsesSessionID(t *testing.T) {
	logger, err := New(t.TempDir(), "c", "")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if !strings.HasPrefix(filepath.Base(logger.LogPath()), logger.SessionID()) {
		t.Errorf("LogPath() = %q, want it named after session %q", logger.LogPath(), logger.SessionID())
	}
}

func TestLoggerFormatting(t *testing.T) {
	logger, err := New(t.TempDir(), "test", "fmt")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debugf("Debug message")
	logger.Infof("Info message %d", 123)
	logger.Warnf("Warning message")
	logger.Errorf("Error message")
	logger.With("runner").Infof("From runner")
	logger.Close()

	content, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	expectedPatterns := []string{
		"[test] [DEBUG] Debug message",
		"[test] [INFO] Info message 123",
		"[test] [WARN] Warning message",
		"[test] [ERROR] Error message",
		"[runner] [INFO] From runner",
	}
	for _, pattern := range expectedPatterns {
		if !strings.Contains(string(content), pattern) {
			t.Errorf("Log content missing expected pattern: %q\nContent:\n%s", pattern, content)
		}
	}
}

func TestConcurrentLogging(t *testing.T) {
	logger, err := New(t.TempDir(), "concurrent", "c")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				logger.Infof("goroutine %d message %d", id, j)
			}
		}(i)
	}
	wg.Wait()
	logger.Close()

	content, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if lines := strings.Count(string(content), "\n"); lines != 100 {
		t.Errorf("Expected 100 log lines, got %d", lines)
	}
}

func TestFallbackLogger(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	// A regular file where the directory should be forces the fallback.
	logger, err := New(filepath.Join(blocker, "logs"), "fallback", "x")
	if err == nil {
		t.Fatal("expected error when log directory cannot be created")
	}
	if logger == nil {
		t.Fatal("expected fallback logger")
	}
	if logger.LogPath() != "" {
		t.Errorf("fallback LogPath() = %q, want empty", logger.LogPath())
	}
	logger.Infof("still usable")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	logger, err := New(t.TempDir(), "close", "c")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("First Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Second Close() error = %v", err)
	}
}

func TestConsoleLevels(t *testing.T) {
	tests := []struct {
		level      Level
		wantNormal bool
		wantDebug  bool
	}{
		{LevelQuiet, false, false},
		{LevelNormal, true, false},
		{LevelVerbose, true, false},
		{LevelDebug, true, true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		c := NewConsoleTo(&buf, tt.level)
		c.Infof("normal-line")
		c.Debugf("debug-line")
		c.Errorf("error-line")

		out := buf.String()
		if strings.Contains(out, "normal-line") != tt.wantNormal {
			t.Errorf("level %d: normal output present = %v", tt.level, !tt.wantNormal)
		}
		if strings.Contains(out, "debug-line") != tt.wantDebug {
			t.Errorf("level %d: debug output present = %v", tt.level, !tt.wantDebug)
		}
		if !strings.Contains(out, "error-line") {
			t.Errorf("level %d: errors must always print", tt.level)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"quiet":   LevelQuiet,
		"normal":  LevelNormal,
		"VERBOSE": LevelVerbose,
		"debug":   LevelDebug,
		"bogus":   LevelNormal,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}
