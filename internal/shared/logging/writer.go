package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar       = "FOREMAN_LOG_DIR"
	serviceLogFileName = "foreman-service.log"
)

// Level is the minimum severity a component logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// sink is the process-wide destination shared by every component logger.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

var (
	sinkOnce   sync.Once
	sharedSink *sink
)

func defaultSink() *sink {
	sinkOnce.Do(func() {
		sharedSink = &sink{out: os.Stderr, level: LevelInfo}
		dir := strings.TrimSpace(os.Getenv(logDirEnvVar))
		if dir == "" {
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create log directory %s: %v\n", dir, err)
			return
		}
		file, err := os.OpenFile(filepath.Join(dir, serviceLogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			return
		}
		sharedSink.out = io.MultiWriter(os.Stderr, file)
	})
	return sharedSink
}

// SetLevel sets the minimum level for every component logger.
func SetLevel(level Level) {
	s := defaultSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// SetOutput redirects every component logger. Used by the CLI for --quiet.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	s := defaultSink()
	s.mu.Lock()
	s.out = w
	s.mu.Unlock()
}

type componentLogger struct {
	component string
	sink      *sink
}

func newComponentLogger(component string) *componentLogger {
	return &componentLogger{component: component, sink: defaultSink()}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *componentLogger) log(level Level, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if level < l.sink.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "foreman"
	}

	// Format: 2026-01-02 15:04:05 [INFO] [Coordinator] coordinator.go:123 - message
	message := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	fmt.Fprintf(l.sink.out, "%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)
}
