// logging.go: Pluggable logging system with a logrus adapter
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger defines the pluggable logging interface for the plugin host.
//
// Every lifecycle step that rejects, skips or fails something logs through this
// interface with structured key-value pairs. The keys used by the host are
// stable: "plugin" for the registry name, "archive" for archive paths, "step"
// for teardown steps and "error" for the underlying cause.
//
// Example usage:
//
//	logger := pluginhost.NewLogrusLogger(logrus.New())
//	manager, err := pluginhost.NewManager(pluginhost.ManagerConfig{
//	    PluginPackageDir: "/opt/agent/pluginPackage",
//	    Logger:           logger,
//	})
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// Supported types:
//   - Logger interface: Used directly
//   - *logrus.Logger: Wrapped with NewLogrusLogger
//   - nil: Returns NoOpLogger for silent operation
//   - Unsupported types: Panic with descriptive message
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case *logrus.Logger:
		return NewLogrusLogger(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger, *logrus.Logger or nil")
	}
}

// DefaultLogger returns the silent logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug implements Logger interface (no-op)
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger interface (no-op)
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger interface (no-op)
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger interface (no-op)
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// LogrusLogger adapts a *logrus.Logger (or entry) to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps a logrus logger. A nil logger gets logrus.New().
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

// Debug implements Logger interface
func (l *LogrusLogger) Debug(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Debug(msg)
}

// Info implements Logger interface
func (l *LogrusLogger) Info(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Info(msg)
}

// Warn implements Logger interface
func (l *LogrusLogger) Warn(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Warn(msg)
}

// Error implements Logger interface
func (l *LogrusLogger) Error(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Error(msg)
}

// With implements Logger interface
func (l *LogrusLogger) With(args ...any) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(argsToFields(args))}
}

// argsToFields turns alternating key-value pairs into logrus fields.
// A dangling key is kept under "!BADKEY" so nothing is silently lost.
func argsToFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}

// TestLogger captures log messages for assertions in tests.
type TestLogger struct {
	mu       sync.RWMutex
	Messages []TestLogMessage `json:"messages"`
}

// TestLogMessage represents a captured log message for testing.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{
		Messages: make([]TestLogMessage, 0),
	}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, TestLogMessage{Level: level, Message: msg, Args: args})
}

// Debug implements Logger interface (captures message)
func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }

// Info implements Logger interface (captures message)
func (t *TestLogger) Info(msg string, args ...any) { t.record("INFO", msg, args) }

// Warn implements Logger interface (captures message)
func (t *TestLogger) Warn(msg string, args ...any) { t.record("WARN", msg, args) }

// Error implements Logger interface (captures message)
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger that writes into the same message list.
func (t *TestLogger) With(args ...any) Logger {
	return &testLoggerChild{parent: t, context: args}
}

type testLoggerChild struct {
	parent  *TestLogger
	context []any
}

func (c *testLoggerChild) merge(args []any) []any {
	return append(append([]any{}, c.context...), args...)
}

func (c *testLoggerChild) Debug(msg string, args ...any) { c.parent.record("DEBUG", msg, c.merge(args)) }
func (c *testLoggerChild) Info(msg string, args ...any)  { c.parent.record("INFO", msg, c.merge(args)) }
func (c *testLoggerChild) Warn(msg string, args ...any)  { c.parent.record("WARN", msg, c.merge(args)) }
func (c *testLoggerChild) Error(msg string, args ...any) { c.parent.record("ERROR", msg, c.merge(args)) }
func (c *testLoggerChild) With(args ...any) Logger {
	return &testLoggerChild{parent: c.parent, context: c.merge(args)}
}

// HasMessage checks if the logger captured a message with the given level and text.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range t.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// CountContaining counts captured messages at level whose text contains substr.
func (t *TestLogger) CountContaining(level, substr string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, msg := range t.Messages {
		if msg.Level == level && strings.Contains(msg.Message, substr) {
			n++
		}
	}
	return n
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = t.Messages[:0]
}
