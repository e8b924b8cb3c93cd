// Package logger provides the structured logging used throughout the
// storage engine.
//
// The logger supports the usual level hierarchy (TRACE, DEBUG, INFO,
// WARN, ERROR) plus subsystem-scoped trace gating, backed by
// github.com/rs/zerolog so every message carries structured fields
// (channel, oid, file number, ...) instead of being assembled into a
// format string. Level checks are lock-free (atomic.Int32) so logging
// disabled for a level costs a single load.
package logger

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogLevel mirrors zerolog's levels but keeps the engine's own names so
// callers never import zerolog directly.
type LogLevel int32

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	currentLevel atomic.Int32

	// traceSubsystems gates TRACE-level messages per subsystem, so a
	// channel worker or the housekeeping engine can be traced in
	// isolation without drowning the log in record-level chatter.
	// Common subsystems: "channel", "bfs", "cache", "housekeeping", "gc".
	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	base zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixNano
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
	currentLevel.Store(int32(INFO))
}

// Configure installs a console-pretty writer when human=true (development)
// or the default JSON writer when false (production); human mirrors the
// config.Config.LogHuman option.
func Configure(human bool) {
	if human {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// SetLevel sets the minimum level; case-insensitive name, e.g. "debug".
func SetLevel(name string) error {
	switch strings.ToUpper(name) {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	default:
		return &levelError{name}
	}
	return nil
}

type levelError struct{ name string }

func (e *levelError) Error() string { return "logger: unknown level " + e.name }

// GetLevel returns the current minimum level's name.
func GetLevel() string {
	return levelNames[LogLevel(currentLevel.Load())]
}

func enabled(l LogLevel) bool {
	return int32(l) >= currentLevel.Load()
}

// EnableTrace turns on TRACE output for the named subsystems.
func EnableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		traceSubsystems[s] = true
	}
}

// DisableTrace turns off TRACE output for the named subsystems.
func DisableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		delete(traceSubsystems, s)
	}
}

func traceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

// TraceIf logs at TRACE only when the named subsystem has been enabled
// via EnableTrace, so hot paths (every cache hit, every record append)
// can carry trace instrumentation with near-zero cost when disabled.
func TraceIf(subsystem, msg string, fields ...Field) {
	if !enabled(TRACE) || !traceEnabled(subsystem) {
		return
	}
	emit(TRACE, msg, fields)
}

func Trace(msg string, fields ...Field) {
	if !enabled(TRACE) {
		return
	}
	emit(TRACE, msg, fields)
}

func Debug(msg string, fields ...Field) {
	if !enabled(DEBUG) {
		return
	}
	emit(DEBUG, msg, fields)
}

func Info(msg string, fields ...Field) {
	if !enabled(INFO) {
		return
	}
	emit(INFO, msg, fields)
}

func Warn(msg string, fields ...Field) {
	if !enabled(WARN) {
		return
	}
	emit(WARN, msg, fields)
}

func Error(msg string, fields ...Field) {
	if !enabled(ERROR) {
		return
	}
	emit(ERROR, msg, fields)
}

func emit(level LogLevel, msg string, fields []Field) {
	ev := base.WithLevel(level.zerolog())
	for _, f := range fields {
		ev = f(ev)
	}
	ev.Msg(msg)
}

// Field attaches one structured field to a log event. Constructors below
// keep call sites free of zerolog types.
type Field func(*zerolog.Event) *zerolog.Event

func Str(key, val string) Field {
	return func(e *zerolog.Event) *zerolog.Event { return e.Str(key, val) }
}

func Int64(key string, val int64) Field {
	return func(e *zerolog.Event) *zerolog.Event { return e.Int64(key, val) }
}

func Uint64(key string, val uint64) Field {
	return func(e *zerolog.Event) *zerolog.Event { return e.Uint64(key, val) }
}

func Uint32(key string, val uint32) Field {
	return func(e *zerolog.Event) *zerolog.Event { return e.Uint32(key, val) }
}

func ErrField(err error) Field {
	return func(e *zerolog.Event) *zerolog.Event { return e.Err(err) }
}
