package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Level is the severity of an entry.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields maps keys to values.
type Fields map[string]interface{}

// Context keys picked up by WithContext.
const (
	RequestIDKey = "request_id"
	ComponentKey = "component"
	OperationKey = "operation"
)

// Entry is one formatted log record.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
}

// Logger is the logging facade every component receives by injection.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal logs and exits the process.
	Fatal(msg string, fields ...Field)

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	With(fields ...Field) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithContext(ctx context.Context) Logger
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter renders an entry.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives formatted entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures NewLogger.
type LoggerOption func(*BaseLogger)

// BaseLogger is the Logger implementation. Loggers derived through With
// share the level, formatter and outputs of their parent.
type BaseLogger struct {
	core *core
	slog *slog.Logger
}

type core struct {
	level     atomic.Int32
	formatter Formatter
	outputs   []Output
}

// NewLogger creates a logger. Without options it writes JSON at info level
// to stderr.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{core: &core{formatter: &JSONFormatter{}}}
	l.core.level.Store(int32(InfoLevel))
	for _, opt := range options {
		opt(l)
	}
	if len(l.core.outputs) == 0 {
		l.core.outputs = append(l.core.outputs, NewConsoleOutput())
	}
	l.slog = slog.New(newBridgeHandler(l.core))
	return l
}

// WithLevel sets the minimum level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.core.level.Store(int32(level)) }
}

// WithFormatter sets the formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.core.formatter = formatter }
}

// WithOutput adds an output.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.core.outputs = append(l.core.outputs, output) }
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if !l.enabled(level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), toSlogLevel(level), msg, pcs[0])
	r.AddAttrs(attrsFromFields(fields)...)
	_ = l.slog.Handler().Handle(context.Background(), r)
}

func (l *BaseLogger) enabled(level Level) bool {
	return Level(l.core.level.Load()) <= level
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

func (l *BaseLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(DebugLevel) {
		l.log(DebugLevel, fmt.Sprintf(format, args...), nil)
	}
}

func (l *BaseLogger) Infof(format string, args ...interface{}) {
	if l.enabled(InfoLevel) {
		l.log(InfoLevel, fmt.Sprintf(format, args...), nil)
	}
}

func (l *BaseLogger) Warnf(format string, args ...interface{}) {
	if l.enabled(WarnLevel) {
		l.log(WarnLevel, fmt.Sprintf(format, args...), nil)
	}
}

func (l *BaseLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(ErrorLevel) {
		l.log(ErrorLevel, fmt.Sprintf(format, args...), nil)
	}
}

// With returns a child logger carrying fields on every entry.
func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &BaseLogger{core: l.core, slog: l.slog.With(attrsToAny(attrsFromFields(fields))...)}
}

func (l *BaseLogger) WithFields(fields Fields) Logger {
	fs := make([]Field, 0, len(fields))
	for k, v := range fields {
		fs = append(fs, Any(k, v))
	}
	return l.With(fs...)
}

func (l *BaseLogger) WithError(err error) Logger { return l.With(Err(err)) }

func (l *BaseLogger) WithComponent(component string) Logger { return l.With(Component(component)) }

// WithContext copies the well-known request keys found in ctx.
func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	var fs []Field
	for _, k := range []string{RequestIDKey, ComponentKey, OperationKey} {
		if v := ctx.Value(k); v != nil {
			fs = append(fs, Any(k, v))
		}
	}
	return l.With(fs...)
}

func (l *BaseLogger) SetLevel(level Level) { l.core.level.Store(int32(level)) }

func (l *BaseLogger) GetLevel() Level { return Level(l.core.level.Load()) }

// Slog exposes the underlying slog.Logger for libraries that want one.
func (l *BaseLogger) Slog() *slog.Logger { return l.slog }
