package shard

import (
	"runtime"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Level is the severity of a log entry, matching logiface's level scale.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
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
		return "unknown"
	}
}

func (l Level) toLogiface() logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// Logger is the structured logging surface a Shard reports to. It covers
// general logging plus two inspection hooks: unhandled exceptions (failed
// futures dropped without being consumed, and close errors from WithFile
// and DeferredClose), and promises destroyed before being resolved. A
// third hook, ReportDefect, covers the framework-defect taxonomy
// (double-consume, blocking outside a thread context, and so on).
//
// Category is an informal grouping of log lines by subsystem; the
// categories this package reports under are "future", "with_file.close",
// "deferred_close" and "deferred_stop".
type Logger interface {
	Enabled(level Level) bool
	Log(level Level, category, message string, fields map[string]any)
	ReportUnhandledException(category string, err error, creationStack []uintptr)
	ReportBrokenPromise(category string, creationStack []uintptr)
	ReportDefect(err *DefectError)
}

// noopLogger discards everything; it is the default when no Logger is
// configured via WithLogger.
type noopLogger struct{}

func (noopLogger) Enabled(Level) bool                                { return false }
func (noopLogger) Log(Level, string, string, map[string]any)         {}
func (noopLogger) ReportUnhandledException(string, error, []uintptr) {}
func (noopLogger) ReportBrokenPromise(string, []uintptr)             {}
func (noopLogger) ReportDefect(*DefectError)                         {}

// NewNoOpLogger returns a Logger that discards everything.
func NewNoOpLogger() Logger { return noopLogger{} }

// defaultLogger is the stock Logger, backed by logiface with stumpy's JSON
// event/writer implementation. It is deliberately thin: the ambient
// logging surface this package needs is the reporting hooks above, not a
// general-purpose logging subsystem (that remains an explicit Non-goal).
type defaultLogger struct {
	mu     sync.Mutex
	level  Level
	logger *logiface.Logger[*stumpy.Event]
}

// NewDefaultLogger returns the stock Logger, writing JSON lines to stdout
// via logiface/stumpy, filtering out anything below minLevel.
func NewDefaultLogger(minLevel Level) Logger {
	impl := new(stumpy.Logger)
	return &defaultLogger{
		level: minLevel,
		logger: logiface.New[*stumpy.Event](
			logiface.WithEventFactory[*stumpy.Event](impl),
			logiface.WithEventReleaser[*stumpy.Event](impl),
			logiface.WithWriter[*stumpy.Event](impl),
			logiface.WithLevel[*stumpy.Event](minLevel.toLogiface()),
		),
	}
}

func (l *defaultLogger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *defaultLogger) build(level Level) *logiface.Builder[*stumpy.Event] {
	switch level {
	case LevelDebug:
		return l.logger.Debug()
	case LevelWarn:
		return l.logger.Warning()
	case LevelError:
		return l.logger.Err()
	default:
		return l.logger.Info()
	}
}

func (l *defaultLogger) Log(level Level, category, message string, fields map[string]any) {
	if !l.Enabled(level) {
		return
	}
	b := l.build(level).Str("category", category)
	for k, v := range fields {
		b = b.Any(k, v)
	}
	b.Log(message)
}

func (l *defaultLogger) ReportUnhandledException(category string, err error, creationStack []uintptr) {
	b := l.build(LevelError).Str("category", category).Err(err)
	if len(creationStack) > 0 {
		b = b.Str("created_at", formatStack(creationStack))
	}
	b.Log("unhandled exception was never consumed")
}

func (l *defaultLogger) ReportBrokenPromise(category string, creationStack []uintptr) {
	b := l.build(LevelWarn).Str("category", category)
	if len(creationStack) > 0 {
		b = b.Str("created_at", formatStack(creationStack))
	}
	b.Log("promise destroyed without being resolved")
}

func (l *defaultLogger) ReportDefect(err *DefectError) {
	l.build(LevelError).Str("category", "defect").Str("op", err.Op).Err(err).Log("framework defect")
}

// formatStack renders a program-counter stack (as captured by
// runtime.Callers) into a short multi-line string, used to annotate
// unhandled-exception and broken-promise log entries with the call site that
// created the future, when WithDebugMode is enabled.
func formatStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var out []byte
	for {
		frame, more := frames.Next()
		out = append(out, frame.Function...)
		out = append(out, '\n')
		if !more {
			break
		}
	}
	return string(out)
}
