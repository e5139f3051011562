package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	currentLevel atomic.Int32
	levelOnce    sync.Once
)

// ParseLevel maps a LOG_LEVEL value to a LogLevel. Unknown values map to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func initLevel() {
	levelOnce.Do(func() {
		switch strings.ToLower(os.Getenv("DEBUG")) {
		case "1", "true", "yes", "on":
			currentLevel.Store(int32(LevelDebug))
			return
		}
		currentLevel.Store(int32(ParseLevel(os.Getenv("LOG_LEVEL"))))
	})
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLevel()
	return LogLevel(currentLevel.Load())
}

// SetLevel overrides the level read from the environment.
func SetLevel(l LogLevel) {
	initLevel()
	currentLevel.Store(int32(l))
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

func logAt(l LogLevel, tag, prefix, format string, args ...interface{}) {
	if GetLevel() > l {
		return
	}
	log.Printf(tag+prefix+format, args...)
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	logAt(LevelDebug, "[DEBUG] ", "", format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	logAt(LevelInfo, "[INFO] ", "", format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	logAt(LevelWarn, "[WARN] ", "", format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	logAt(LevelError, "[ERROR] ", "", format, args...)
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	log.Fatalf("[FATAL] "+format, args...)
}

// Printf is a pass-through to log.Printf for messages that should always print
func Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Println is a pass-through to log.Println for messages that should always print
func Println(args ...interface{}) {
	log.Println(args...)
}

// Logger prefixes every message with a component name, e.g. "[INFO] worker[1]: ...".
type Logger struct {
	prefix string
}

// For returns a Logger for the named component.
func For(component string) Logger {
	return Logger{prefix: component + ": "}
}

// With returns a Logger with an extra qualifier appended to the component name.
func (l Logger) With(qualifier string) Logger {
	name := strings.TrimSuffix(l.prefix, ": ")
	return Logger{prefix: name + "[" + qualifier + "]: "}
}

// Prefix returns the text placed before each message.
func (l Logger) Prefix() string {
	return l.prefix
}

func (l Logger) Debug(format string, args ...interface{}) {
	logAt(LevelDebug, "[DEBUG] ", l.prefix, format, args...)
}

func (l Logger) Info(format string, args ...interface{}) {
	logAt(LevelInfo, "[INFO] ", l.prefix, format, args...)
}

func (l Logger) Warn(format string, args ...interface{}) {
	logAt(LevelWarn, "[WARN] ", l.prefix, format, args...)
}

func (l Logger) Error(format string, args ...interface{}) {
	logAt(LevelError, "[ERROR] ", l.prefix, format, args...)
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}
