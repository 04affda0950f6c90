package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Component identifies a subsystem for log filtering.
type Component string

// Driver component identifiers.
const (
	ComponentHCD       Component = "hcd"
	ComponentEndpoint  Component = "endpoint"
	ComponentTransfer  Component = "transfer"
	ComponentScheduler Component = "scheduler"
	ComponentInterrupt Component = "interrupt"
	ComponentRootHub   Component = "roothub"
	ComponentHAL       Component = "hal"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // key=value text (default)
	LogFormatJSON                  // one JSON object per record
)

// String returns the format name accepted by ParseLogFormat.
func (f LogFormat) String() string {
	if f == LogFormatJSON {
		return "json"
	}
	return "text"
}

var (
	// logLevel is shared by every logger built in this package, so a level
	// change applies without replacing the logger.
	logLevel = new(slog.LevelVar)

	// logger is read on the interrupt path without locking.
	logger atomic.Pointer[slog.Logger]
)

func init() {
	logLevel.Set(slog.LevelWarn)
	logger.Store(NewLogger(os.Stderr, LogFormatText))
}

// NewLogger returns a logger writing records in format to w, filtered by the
// driver log level.
func NewLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger returns the logger driver records go to.
func Logger() *slog.Logger {
	return logger.Load()
}

// SetLogger replaces the driver logger. A nil logger restores the default
// text logger on os.Stderr.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = NewLogger(os.Stderr, LogFormatText)
	}
	logger.Store(l)
}

// SetLogOutput sends driver records to w in the given format.
func SetLogOutput(w io.Writer, format LogFormat) {
	logger.Store(NewLogger(w, format))
}

// SetLogLevel sets the minimum level of driver records.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// GetLogLevel returns the minimum level of driver records.
func GetLogLevel() slog.Level {
	return logLevel.Level()
}

// ParseLogLevel maps a level name (debug, info, warn, error) to a slog level.
// An empty name yields the current level.
func ParseLogLevel(name string) (slog.Level, error) {
	if name == "" {
		return GetLogLevel(), nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidParameter, name)
	}
	return level, nil
}

// ParseLogFormat maps a format name (text, json) to a LogFormat. An empty
// name yields LogFormatText.
func ParseLogFormat(name string) (LogFormat, error) {
	switch strings.ToLower(name) {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return 0, fmt.Errorf("%w: log format %q", ErrInvalidParameter, name)
}

// logAt emits one record tagged with component. Records below the current
// level are dropped before the record is built.
func logAt(level slog.Level, component Component, msg string, args []any) {
	l := logger.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(slog.String("component", string(component)))
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
