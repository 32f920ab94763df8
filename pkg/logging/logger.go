package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes component-tagged diagnostic lines to a per-run log file.
//
// All log methods (Debugf, Infof, Warnf, Errorf) write unconditionally;
// verbosity filtering is the Console's job.
type Logger struct {
	sessionID string
	component string
	file      *os.File
	logger    *log.Logger
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
	owner     bool
}

// New creates a logger writing to <dir>/<name>-taskgate.log. name is usually
// the task id; an empty name gets a fresh session id.
//
// If the directory cannot be created or the file cannot be opened, New
// returns a fallback logger that writes to stderr along with the error.
func New(dir, component, name string) (*Logger, error) {
	sessID := uuid.New().String()
	if name == "" {
		name = sessID
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		err = fmt.Errorf("failed to create log directory: %w", err)
		return newFallbackLogger(component, sessID, err), err
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s-taskgate.log", name))

	// Append mode: several components share one run's file.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, sessID, err), err
	}

	return &Logger{
		sessionID: sessID,
		component: component,
		file:      file,
		logger:    log.New(file, "", 0),
		logPath:   logPath,
		owner:     true,
	}, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{component: "discard", logger: log.New(io.Discard, "", 0)}
}

func newFallbackLogger(component, sessID string, err error) *Logger {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags)
	logger.Printf("WARNING: Failed to initialize file logging: %v", err)
	logger.Printf("Falling back to stderr logging")

	return &Logger{
		sessionID: sessID,
		component: component,
		logger:    logger,
	}
}

// With returns a logger for another component sharing the same file.
// Closing the derived logger does not close the file.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		sessionID: l.sessionID,
		component: component,
		file:      l.file,
		logger:    l.logger,
		logPath:   l.logPath,
	}
}

func (l *Logger) formatLogEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(l.formatLogEntry(level, fmt.Sprintf(format, v...)))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) { l.write("DEBUG", format, v...) }

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) { l.write("INFO", format, v...) }

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) { l.write("WARN", format, v...) }

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) { l.write("ERROR", format, v...) }

// Writer returns the raw destination: the log file, stderr in fallback
// mode, or io.Discard.
func (l *Logger) Writer() io.Writer {
	return l.logger.Writer()
}

// SessionID returns the logger's session id.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// LogPath returns the path to the log file, empty in fallback mode.
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil && l.owner {
			err = l.file.Close()
		}
	})
	return err
}
