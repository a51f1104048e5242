package logging

import (
	"fmt"
	"reflect"
)

// Logger is the printf-style contract every foreman component logs through.
// Tests pass Nop(); the daemon hands each component NewComponentLogger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is nil or a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrNop returns logger, or Nop when it is nil.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns the process logger scoped to component.
func NewComponentLogger(component string) Logger {
	return newComponentLogger(component)
}

type prefixed struct {
	next   Logger
	prefix string
}

// WithPrefix prepends prefix to every message logged through the result.
// Nesting concatenates prefixes.
func WithPrefix(logger Logger, prefix string) Logger {
	logger = OrNop(logger)
	if p, ok := logger.(*prefixed); ok {
		return &prefixed{next: p.next, prefix: p.prefix + prefix}
	}
	return &prefixed{next: logger, prefix: prefix}
}

func (p *prefixed) Debug(format string, args ...any) { p.next.Debug(p.prefix+format, args...) }
func (p *prefixed) Info(format string, args ...any)  { p.next.Info(p.prefix+format, args...) }
func (p *prefixed) Warn(format string, args ...any)  { p.next.Warn(p.prefix+format, args...) }
func (p *prefixed) Error(format string, args ...any) { p.next.Error(p.prefix+format, args...) }

// KeyValueLogger adapts a Logger to schedulers that log with alternating
// key/value pairs (the robfig/cron Logger shape).
type KeyValueLogger struct {
	Logger Logger
}

// Info logs routine scheduler chatter at debug level.
func (k KeyValueLogger) Info(msg string, keysAndValues ...any) {
	OrNop(k.Logger).Debug("%s%s", msg, formatPairs(keysAndValues))
}

// Error logs err with msg.
func (k KeyValueLogger) Error(err error, msg string, keysAndValues ...any) {
	OrNop(k.Logger).Error("%s: %v%s", msg, err, formatPairs(keysAndValues))
}

func formatPairs(kv []any) string {
	out := ""
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			out += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
		} else {
			out += fmt.Sprintf(" %v", kv[i])
		}
	}
	return out
}
