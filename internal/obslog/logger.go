// Package obslog provides the structured key-value Logger used across
// every component, wrapping zerolog.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the structured logging interface components depend on.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

type zlogger struct {
	l zerolog.Logger
}

// New builds a Logger writing human-readable console output to w.
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return &zlogger{l: zerolog.New(out).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() Logger {
	return &zlogger{l: zerolog.Nop()}
}

func (z *zlogger) event(lvl zerolog.Level, msg string, kv []any) {
	ev := z.l.WithLevel(lvl)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func (z *zlogger) Debug(msg string, kv ...any) { z.event(zerolog.DebugLevel, msg, kv) }
func (z *zlogger) Info(msg string, kv ...any)  { z.event(zerolog.InfoLevel, msg, kv) }
func (z *zlogger) Warn(msg string, kv ...any)  { z.event(zerolog.WarnLevel, msg, kv) }
func (z *zlogger) Error(msg string, kv ...any) { z.event(zerolog.ErrorLevel, msg, kv) }

func (z *zlogger) With(kv ...any) Logger {
	ctx := z.l.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &zlogger{l: ctx.Logger()}
}
