// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chatbot

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a level name (case insensitive) to a LogLevel.
func ParseLogLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "", "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	case "trace":
		return LogLevelTrace, nil
	}
	return LogLevelInfo, fmt.Errorf("chatbot: unknown log level %q", name)
}

// Logger is a leveled printf-style logger shared by the bot components.
type Logger struct {
	logger *log.Logger
	level  LogLevel
}

// NewLogger creates a new Logger writing to stderr with the specified level
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(os.Stderr, level)
}

// NewLoggerWithWriter creates a new Logger with custom writer and level
func NewLoggerWithWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		logger: log.New(w, "chatbot: ", log.LstdFlags|log.Lmicroseconds),
		level:  level,
	}
}

// Named returns a logger sharing this logger's level whose lines carry
// the given component prefix, e.g. "chatbot: reqrep: ".
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		logger: log.New(l.logger.Writer(), l.logger.Prefix()+component+": ", l.logger.Flags()),
		level:  l.level,
	}
}

// SetLevel sets the minimum logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

// Level returns the current logging level
func (l *Logger) Level() LogLevel {
	return l.level
}

// IsEnabled checks if a log level is enabled
func (l *Logger) IsEnabled(level LogLevel) bool {
	return level <= l.level
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	if l == nil || !l.IsEnabled(level) {
		return
	}
	l.logger.Printf("["+level.String()+"] "+format, args...)
}

// Error logs at error level
func (l *Logger) Error(format string, args ...interface{}) { l.logf(LogLevelError, format, args...) }

// Warn logs at warning level
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(LogLevelWarn, format, args...) }

// Info logs at info level
func (l *Logger) Info(format string, args ...interface{}) { l.logf(LogLevelInfo, format, args...) }

// Debug logs at debug level
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(LogLevelDebug, format, args...) }

// Trace logs at trace level (most verbose)
func (l *Logger) Trace(format string, args ...interface{}) { l.logf(LogLevelTrace, format, args...) }

var (
	// DevNullLogger discards all output.
	DevNullLogger = NewLoggerWithWriter(io.Discard, LogLevelError)

	// DefaultLogger logs at info level to stderr.
	DefaultLogger = NewLogger(LogLevelInfo)

	// WarnLogger is the default for protocol components.
	WarnLogger = NewLogger(LogLevelWarn)
)
