package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is conduit's logging surface: both the legacy non-context
// methods (used by code that predates a request/session context) and the
// context-aware variants the session actor and HTTP transport use so log
// lines can eventually be correlated with a trace span.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	DebugContext(ctx context.Context, msg string, keysAndValues ...any)
	InfoContext(ctx context.Context, msg string, keysAndValues ...any)
	WarnContext(ctx context.Context, msg string, keysAndValues ...any)
	ErrorContext(ctx context.Context, msg string, keysAndValues ...any)
}

// StdLogger is the standard logger: plain-text slog output, informational
// levels to out, warnings and errors to err.
type StdLogger struct {
	outLogger *slog.Logger
	errLogger *slog.Logger
}

// NewStdLogger builds a Logger that writes text-formatted lines, info and
// below to outW, warn and above to errW.
func NewStdLogger(outW, errW io.Writer, logLevel string) (Logger, error) {
	level, err := severityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(level)
	opts := &slog.HandlerOptions{Level: programLevel}

	return &StdLogger{
		outLogger: slog.New(slog.NewTextHandler(outW, opts)),
		errLogger: slog.New(slog.NewTextHandler(errW, opts)),
	}, nil
}

// NewStructuredLogger builds a Logger that emits JSON lines instead of
// plain text, the shape cmd/conduit selects when the config's
// loggingFormat is "json".
// If rotatePath is non-empty, output is written through a lumberjack
// rotating writer instead of outW/errW directly.
func NewStructuredLogger(outW, errW io.Writer, logLevel string, rotatePath string) (Logger, error) {
	level, err := severityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(level)
	opts := &slog.HandlerOptions{Level: programLevel}

	if rotatePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   rotatePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		outW = rotator
		errW = rotator
	}

	return &StdLogger{
		outLogger: slog.New(slog.NewJSONHandler(outW, opts)),
		errLogger: slog.New(slog.NewJSONHandler(errW, opts)),
	}, nil
}

func (sl *StdLogger) Debug(msg string, keysAndValues ...any) { sl.outLogger.Debug(msg, keysAndValues...) }
func (sl *StdLogger) Info(msg string, keysAndValues ...any)  { sl.outLogger.Info(msg, keysAndValues...) }
func (sl *StdLogger) Warn(msg string, keysAndValues ...any)  { sl.errLogger.Warn(msg, keysAndValues...) }
func (sl *StdLogger) Error(msg string, keysAndValues ...any) { sl.errLogger.Error(msg, keysAndValues...) }

func (sl *StdLogger) DebugContext(ctx context.Context, msg string, keysAndValues ...any) {
	sl.outLogger.DebugContext(ctx, msg, keysAndValues...)
}
func (sl *StdLogger) InfoContext(ctx context.Context, msg string, keysAndValues ...any) {
	sl.outLogger.InfoContext(ctx, msg, keysAndValues...)
}
func (sl *StdLogger) WarnContext(ctx context.Context, msg string, keysAndValues ...any) {
	sl.errLogger.WarnContext(ctx, msg, keysAndValues...)
}
func (sl *StdLogger) ErrorContext(ctx context.Context, msg string, keysAndValues ...any) {
	sl.errLogger.ErrorContext(ctx, msg, keysAndValues...)
}

const (
	Debug = "DEBUG"
	Info  = "INFO"
	Warn  = "WARN"
	Error = "ERROR"
)

// severityToLevel returns the slog level for a configured string level.
func severityToLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case Debug:
		return slog.LevelDebug, nil
	case Info:
		return slog.LevelInfo, nil
	case Warn:
		return slog.LevelWarn, nil
	case Error:
		return slog.LevelError, nil
	default:
		return slog.Level(-5), fmt.Errorf("invalid log level %q", s)
	}
}

var _ Logger = (*StdLogger)(nil)
