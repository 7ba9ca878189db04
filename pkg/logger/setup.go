package logger

import (
	"sync"
	"sync/atomic"
)

var (
	defaultValue atomic.Value // stores Logger
	defaultOnce  sync.Once
)

func defaultLogger() Logger {
	if log, ok := defaultValue.Load().(Logger); ok && log != nil {
		return log
	}
	defaultOnce.Do(func() {
		if defaultValue.Load() == nil {
			defaultValue.Store(NewLogger(DefaultConfig()))
		}
	})
	return defaultValue.Load().(Logger)
}

// SetupLogger configures the process-wide default logger from CLI or config
// values. Callers still prefer the context-scoped logger where one exists.
func SetupLogger(logLevel string, logJSON, logSource bool) {
	defaultValue.Store(NewLogger(&Config{
		Level:     LogLevel(logLevel),
		JSON:      logJSON,
		AddSource: logSource,
	}))
}
