// Package plog adapts github.com/opencoff/go-logger to the minimal
// timer.Logger surface (spec §7's warning/fatal diagnostics).
package plog

import (
	"os"

	golog "github.com/opencoff/go-logger"
)

// Logger wraps a go-logger instance, exposing only the Warn/Error
// methods the engine consumes.
type Logger struct {
	l golog.Logger
}

// New builds a plog.Logger writing to the given priority/output. A nil
// error return is a Logger that is always usable; construction only
// fails if the underlying go-logger setup fails.
func New(prio golog.Priority, prefix string) (*Logger, error) {
	l, err := golog.New(os.Stderr, prio, prefix, golog.Lstdflag|golog.Lreltime)
	if err != nil {
		return nil, err
	}
	return &Logger{l: l}, nil
}

// Default returns a ready-to-use Logger at LOG_WARN writing to
// stderr, the level spec §7 expects for routine operation.
func Default() *Logger {
	l, err := New(golog.LOG_WARN, "timer")
	if err != nil {
		// os.Stderr-backed construction cannot fail in practice;
		// if it somehow does, fall back to a logger that drops
		// every message rather than leave the field nil.
		return &Logger{}
	}
	return l
}

func (p *Logger) Warn(format string, v ...interface{}) {
	if p == nil || p.l == nil {
		return
	}
	p.l.Warn(format, v...)
}

func (p *Logger) Error(format string, v ...interface{}) {
	if p == nil || p.l == nil {
		return
	}
	p.l.Error(format, v...)
}

// Close flushes and releases the underlying logger's I/O goroutine.
func (p *Logger) Close() error {
	if p == nil || p.l == nil {
		return nil
	}
	return p.l.Close()
}
