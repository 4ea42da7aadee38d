// Package observer provides the default pool.Observer implementation: a
// thin wrapper over the standard logger that writes the teacher's
// bracket-tagged lines ("[pool] ...") instead of a process-wide logger
// singleton. Callers that want structured or leveled logging elsewhere
// (zap, zerolog, ...) implement pool.Observer directly and skip this
// package entirely.
package observer

import "log"

// Logger is the default pool.Observer. Debug lines are gated behind Debug
// so they are a hint, not a contract: a caller who never enables Debug
// never pays for the formatting.
type Logger struct {
	Tag   string
	Debug bool
}

// New creates a Logger tagged with the given component name, e.g. "pool" or
// "txn", matching the teacher's "[pool] ..." / "[coordinator] ..." style.
func New(tag string) *Logger {
	return &Logger{Tag: tag}
}

func (l *Logger) Debugf(format string, args ...any) {
	if !l.Debug {
		return
	}
	log.Printf("[%s] "+format, append([]any{l.Tag}, args...)...)
}

func (l *Logger) Infof(format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{l.Tag}, args...)...)
}

func (l *Logger) Warnf(format string, args ...any) {
	log.Printf("[%s] WARNING: "+format, append([]any{l.Tag}, args...)...)
}

func (l *Logger) Errorf(format string, args ...any) {
	log.Printf("[%s] ERROR: "+format, append([]any{l.Tag}, args...)...)
}

// Noop discards every call. Useful in tests that don't want log noise.
type Noop struct{}

func (Noop) Debugf(string, ...any) {}
func (Noop) Infof(string, ...any)  {}
func (Noop) Warnf(string, ...any)  {}
func (Noop) Errorf(string, ...any) {}
