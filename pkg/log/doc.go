// Package log provides pushhub's structured logging facade.
//
// The Logger interface exposes leveled methods taking Field values. It is
// backed by log/slog through a bridge handler that feeds a Formatter (text or
// JSON) and one or more Outputs.
//
//	l, _ := log.ApplyConfig(&log.Config{Level: "info", Format: "text"})
//	l = l.With(log.Component("dispatcher"))
//	l.Info("delivery abandoned", log.Str("topic", t), log.Int("attempts", 5))
//
// RedirectStdLog routes the standard library logger (used by Pebble and
// net/http) into a Logger.
package log
