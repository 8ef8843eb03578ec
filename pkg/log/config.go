package log

import (
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"strings"
)

// Config declares a process logger.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	// Output is "stderr" (default), "stdout", "null" or a file path.
	Output string
	// Redact lists field keys whose values are masked.
	Redact []string
	// SampleInitial/SampleThereafter enable per-message sampling when
	// SampleThereafter > 0.
	SampleInitial    int
	SampleThereafter int
}

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("log: unknown level %q", s)
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	var out Output
	switch cfg.Output {
	case "", "stderr":
		out = NewConsoleOutput()
	case "stdout":
		out = NewWriterOutput(os.Stdout)
	case "null":
		out = NullOutput{}
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log: open output: %w", err)
		}
		out = NewWriterOutput(f)
	}
	l := NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(out)).(*BaseLogger)
	h := l.handler.withRedactions(cfg.Redact).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	if h != l.handler {
		l.handler = h
		l.slog = slog.New(h)
	}
	return l, nil
}

// RedirectStdLog sends output of the standard library logger to l at info level.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdWriter{l: l})
}

type stdWriter struct{ l Logger }

func (w stdWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"), Str("source", "stdlog"))
	return len(p), nil
}
