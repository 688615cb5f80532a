package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"livebridge/internal/events"
)

// Logger wraps standard logging with event bus integration for TUI mode.
type Logger struct {
	mu       sync.RWMutex
	eventBus *events.Bus
	tuiMode  bool
	debug    bool
}

var (
	defaultLogger  = &Logger{debug: os.Getenv("LIVEBRIDGE_DEBUG") != ""}
	originalWriter io.Writer
)

// SetEventBus sets the event bus for TUI mode logging.
func SetEventBus(bus *events.Bus) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.eventBus = bus
}

// SetTUIMode enables or disables TUI mode.
// In TUI mode, logs are sent to event bus instead of stderr.
func SetTUIMode(enabled bool) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if defaultLogger.tuiMode == enabled {
		return
	}
	defaultLogger.tuiMode = enabled

	if enabled {
		originalWriter = log.Writer()
		log.SetOutput(io.Discard)
	} else if originalWriter != nil {
		log.SetOutput(originalWriter)
	}
}

// SetDebug toggles Debug output.
func SetDebug(enabled bool) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.debug = enabled
}

// Debug logs a message only when debug output is enabled.
func Debug(format string, args ...interface{}) {
	defaultLogger.mu.RLock()
	on := defaultLogger.debug
	defaultLogger.mu.RUnlock()
	if on {
		defaultLogger.log("debug", format, args...)
	}
}

// Info logs an informational message.
func Info(format string, args ...interface{}) {
	defaultLogger.log("info", format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	defaultLogger.log("warn", format, args...)
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	defaultLogger.log("error", format, args...)
}

func (l *Logger) log(level, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)

	l.mu.RLock()
	tuiMode := l.tuiMode
	bus := l.eventBus
	l.mu.RUnlock()

	if tuiMode && bus != nil {
		bus.PublishLog(level, message)
	} else {
		log.Print(message)
	}
}

// Mask shortens a secret for display: the first four characters followed
// by an ellipsis. Short or empty values are fully hidden.
func Mask(secret string) string {
	if secret == "" {
		return "<none>"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "…"
}
