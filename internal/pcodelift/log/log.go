// Package log wires the process-wide slog default to the charmbracelet
// logger and recovers panics at goroutine boundaries.
package log

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"

	"pcodelift/internal/logging"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
	logger      *logging.LoggerCloser
)

// Setup configures logging once per process and returns the logger. debug
// forces debug level regardless of PCODELIFT_LOG_LEVEL.
func Setup(debug bool) *logging.LoggerCloser {
	initOnce.Do(func() {
		logger = logging.NewLogger()
		if debug {
			logger.SetLevel(charmlog.DebugLevel)
			logger.SetReportCaller(true)
		}
		slog.SetDefault(slog.New(logger.Logger))
		initialized.Store(true)
	})
	return logger
}

func Initialized() bool {
	return initialized.Load()
}

func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
