package urbandash

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes one JSON object per line carrying service, level, message and time.
type Logger struct {
	Service string
	zl      zerolog.Logger
}

type LogConfig struct {
	Level  string
	JSON   bool
	Output io.Writer
}

func NewLogger(service string) *Logger {
	return NewLoggerWithConfig(service, LogConfig{Level: "info", JSON: true})
}

func NewLoggerWithConfig(service string, cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Str("service", service).Logger()
	return &Logger{Service: service, zl: zl}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{Service: "nop", zl: zerolog.Nop()}
}

// With returns a child logger that adds key to every line.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{Service: l.Service, zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]any) {
	l.emit(l.zl.Error(), msg, fields)
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields map[string]any) {
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}
