package server

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// LogLevel orders log events by severity.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
	LogFatal
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	case LogFatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// Logger is the narrow interface the core emits log events through.
// The rest of the logging pipeline lives behind it.
type Logger interface {
	Logf(level LogLevel, format string, args ...any)
}

// stdLogger writes leveled, color-coded lines through the standard log
// package. Built once at startup and read-only afterwards.
type stdLogger struct {
	min LogLevel
	l   *log.Logger
}

// NewLogger returns a Logger printing events at or above min to stderr.
func NewLogger(min LogLevel) Logger {
	return &stdLogger{min: min, l: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewQuietLogger returns a Logger that discards everything. Used by tests.
func NewQuietLogger() Logger {
	return &stdLogger{min: LogFatal + 1, l: log.New(io.Discard, "", 0)}
}

func (s *stdLogger) Logf(level LogLevel, format string, args ...any) {
	if level < s.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case LogDebug:
		s.l.Print(color.CyanString("%s %s", level, msg))
	case LogInfo:
		s.l.Printf("%s %s", level, msg)
	case LogWarn:
		s.l.Print(color.YellowString("%s %s", level, msg))
	case LogError, LogFatal:
		s.l.Print(color.RedString("%s %s", level, msg))
	default:
		s.l.Printf("%s %s", level, msg)
	}
}

// logRequest logs a served request with color-coded status.
func logRequest(lg Logger, method, path string, status int) {
	switch status {
	case 200:
		lg.Logf(LogInfo, "%s", color.GreenString("%s %s %d", method, path, status))
	case 400, 403, 404:
		lg.Logf(LogInfo, "%s", color.RedString("%s %s %d", method, path, status))
	default:
		lg.Logf(LogInfo, "%s %s %d", method, path, status)
	}
}
