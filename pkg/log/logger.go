// Package log provides the structured logging facade used across pushhub.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Level is the severity of a log entry.
type Level int32

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
	}
	return "UNKNOWN"
}

// Fields is a loose key/value bag, kept for WithFields callers.
type Fields map[string]interface{}

// Context keys recognized by WithContext.
const (
	RequestIDKey = "request_id"
	ComponentKey = "component"
	OperationKey = "operation"
)

// Entry is a single formatted log line before it reaches an Output.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
}

// Logger is the leveled logging surface handed to every component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter renders an Entry into bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives formatted entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures a BaseLogger at construction.
type LoggerOption func(*BaseLogger)

// BaseLogger is the Logger implementation. Derived loggers share the level,
// formatter and outputs of their parent and carry their own slog attributes.
type BaseLogger struct {
	level     *atomic.Int32
	formatter Formatter
	outputs   []Output
	handler   *bridgeHandler
	slog      *slog.Logger
}

// NewLogger builds a logger. Defaults: info level, JSON formatter, console output.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{level: new(atomic.Int32), formatter: &JSONFormatter{}}
	l.level.Store(int32(InfoLevel))
	for _, opt := range options {
		opt(l)
	}
	if len(l.outputs) == 0 {
		l.outputs = []Output{NewConsoleOutput()}
	}
	l.handler = newBridgeHandler(l)
	l.slog = slog.New(l.handler)
	return l
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return NewLogger(WithLevel(FatalLevel+1), WithOutput(NullOutput{}))
}

// WithLevel sets the minimum level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level.Store(int32(level)) }
}

// WithFormatter sets the formatter.
func WithFormatter(f Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = f }
}

// WithOutput appends an output.
func WithOutput(out Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, out) }
}

func (l *BaseLogger) derive(attrs []slog.Attr) *BaseLogger {
	if len(attrs) == 0 {
		return l
	}
	h := l.handler.withAttrs(attrs)
	return &BaseLogger{
		level:     l.level,
		formatter: l.formatter,
		outputs:   l.outputs,
		handler:   h,
		slog:      slog.New(h),
	}
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}
	l.slog.LogAttrs(context.Background(), toSlogLevel(level), msg, fieldAttrs(fields)...)
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
	l.log(DebugLevel, fmt.Sprintf(format, args...), nil)
}

func (l *BaseLogger) Infof(format string, args ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, args...), nil)
}

func (l *BaseLogger) Warnf(format string, args ...interface{}) {
	l.log(WarnLevel, fmt.Sprintf(format, args...), nil)
}

func (l *BaseLogger) Errorf(format string, args ...interface{}) {
	l.log(ErrorLevel, fmt.Sprintf(format, args...), nil)
}

func (l *BaseLogger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...))
}

func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	return l.derive([]slog.Attr{slog.Any(key, value)})
}

func (l *BaseLogger) WithFields(fields Fields) Logger {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return l.derive(attrs)
}

func (l *BaseLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.derive([]slog.Attr{slog.String("error", err.Error())})
}

func (l *BaseLogger) With(fields ...Field) Logger {
	return l.derive(fieldAttrs(fields))
}

// WithContext copies the well-known request keys from ctx.
func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	var attrs []slog.Attr
	for _, k := range []string{RequestIDKey, ComponentKey, OperationKey} {
		if v := ctx.Value(ctxKey(k)); v != nil {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	return l.derive(attrs)
}

func (l *BaseLogger) WithComponent(component string) Logger {
	return l.derive([]slog.Attr{slog.String(ComponentKey, component)})
}

func (l *BaseLogger) SetLevel(level Level) { l.level.Store(int32(level)) }
func (l *BaseLogger) GetLevel() Level      { return Level(l.level.Load()) }

type ctxKey string

// ContextWith returns a context carrying a well-known logging key.
func ContextWith(ctx context.Context, key string, value interface{}) context.Context {
	return context.WithValue(ctx, ctxKey(key), value)
}
