// Package dbglog provides leveled logging for the debugger core, kept
// separate from the monitor-style output buffer (internal/dbgio) so kernel
// diagnostics never interleave with command output on stdout.
//
// Grounded on _examples/ehrlich-b-go-ublk/internal/logging/logger.go: same
// Level/Config/Default()/SetDefault() shape, same Debug/Info/Warn/Error +
// Printf-style pairs, adapted to write to stderr by default instead of the
// teacher's stdout default.
package dbglog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config configures a Logger.
type Config struct {
	Level  Level
	Output io.Writer
}

// DefaultConfig returns the default configuration: Info level to stderr.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger is a small leveled wrapper around the standard library's *log.Logger.
type Logger struct {
	mu     sync.Mutex
	logger *log.Logger
	level  Level
}

// New creates a Logger from the given configuration. A nil config uses
// DefaultConfig.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{logger: log.New(out, "", log.LstdFlags), level: cfg.Level}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the package-level default logger, creating it lazily.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func formatFields(fields []any) string {
	if len(fields) == 0 {
		return ""
	}
	var sb string
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			break
		}
		if sb != "" {
			sb += " "
		}
		sb += fmt.Sprintf("%v=%v", fields[i], fields[i+1])
	}
	if sb == "" {
		return ""
	}
	return " " + sb
}

func (l *Logger) log(level Level, prefix, msg string, fields ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("%s %s%s", prefix, msg, formatFields(fields))
}

func (l *Logger) Debug(msg string, fields ...any) { l.log(LevelDebug, "[DEBUG]", msg, fields...) }
func (l *Logger) Info(msg string, fields ...any)   { l.log(LevelInfo, "[INFO]", msg, fields...) }
func (l *Logger) Warn(msg string, fields ...any)   { l.log(LevelWarn, "[WARN]", msg, fields...) }
func (l *Logger) Error(msg string, fields ...any)  { l.log(LevelError, "[ERROR]", msg, fields...) }

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...)) }

func Debug(msg string, fields ...any) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...any)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...any)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...any) { Default().Error(msg, fields...) }

func Debugf(format string, args ...any) { Default().Debugf(format, args...) }
func Infof(format string, args ...any)  { Default().Infof(format, args...) }
func Warnf(format string, args ...any)  { Default().Warnf(format, args...) }
func Errorf(format string, args ...any) { Default().Errorf(format, args...) }
