// Package logging provides the structured logger used across litecore.
// The call shape — Info(msg, "key", value, ...) — mirrors the teacher
// repo's erigon-lib/log/v3 convention; the implementation is a thin
// zap wrapper rather than a vendored copy of that internal package.
package logging

import (
	"go.uber.org/zap"
)

type Logger struct {
	z *zap.SugaredLogger
}

var nop = &Logger{z: zap.NewNop().Sugar()}

// Nop returns a logger that discards everything, used as a default when
// the caller doesn't wire one in (tests, library embedders).
func Nop() *Logger { return nop }

// New builds a development-mode logger: human-readable console output at
// debug level. Production embedders should construct their own
// zap.Logger and wrap it with Wrap instead.
func New() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nop
	}
	return &Logger{z: z.Sugar()}
}

func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		return nop
	}
	return &Logger{z: z.Sugar()}
}

func (l *Logger) Debug(msg string, kv ...any) { l.z.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)   { l.z.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)   { l.z.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any)  { l.z.Errorw(msg, kv...) }

// Named returns a child logger that prefixes every message with name,
// mirroring the "[component]" tags seen throughout the teacher's sync code.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

func (l *Logger) Sync() {
	_ = l.z.Sync()
}
