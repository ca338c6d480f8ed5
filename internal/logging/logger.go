// Package logging builds the charmbracelet loggers used across pcodelift.
// Level, prefix and destination come from the environment.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Environment variables read by NewLogger.
const (
	EnvLevel  = "PCODELIFT_LOG_LEVEL"
	EnvPrefix = "PCODELIFT_LOG_PREFIX"
	EnvToFile = "PCODELIFT_LOG_TO_FILE"
)

// LoggerCloser wraps a logger and provides a Close method for cleanup
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// NewLoggerWithWriter creates a logger writing to w. The logger closes w on
// Close unless w is stderr.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	lg.SetLevel(levelFromEnv())

	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		prefix = "pcodelift "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

func levelFromEnv() log.Level {
	switch os.Getenv(EnvLevel) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// FilePattern matches the names of log files written by NewLogger.
const FilePattern = "pcodelift-*-debug.log"

// FileName returns the log file name for a process started at t.
func FileName(t time.Time) string {
	return strings.Replace(FilePattern, "*", t.Format("20060102-150405"), 1)
}

// NewLogger creates a logger configured from the environment:
//
//	PCODELIFT_LOG_LEVEL    debug, info, warn or error (default info)
//	PCODELIFT_LOG_PREFIX   message prefix (default "pcodelift ")
//	PCODELIFT_LOG_TO_FILE  "1" writes to FileName(now) in the working directory
//
// If the log file cannot be created the logger falls back to stderr.
func NewLogger() *LoggerCloser {
	if os.Getenv(EnvToFile) == "1" {
		f, err := os.OpenFile(FileName(time.Now()), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			return NewLoggerWithWriter(f)
		}
	}
	return NewLoggerWithWriter(os.Stderr)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return os.Getenv(EnvLevel) == "debug"
}
