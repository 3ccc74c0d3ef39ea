package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gfxlab/broker/internal/config"
)

// TraceIDHeader carries trace identifiers on HTTP requests and responses.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured field holding the trace identifier.
const TraceIDField = "trace_id"

type contextKey string

var (
	loggerContextKey = contextKey("gfxlab-logger")
	traceContextKey  = contextKey("gfxlab-trace-id")

	globalMu     sync.RWMutex
	globalLogger = NewTestLogger()
)

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{DebugLevel: "debug", InfoLevel: "info", WarnLevel: "warn", ErrorLevel: "error"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "info"
	}
	return levelNames[l]
}

func parseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for level, candidate := range levelNames {
		if candidate == name {
			return Level(level), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float64 field. Non-finite values are logged as strings
// since JSON cannot carry them.
func Float64(key string, value float64) Field {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Field{Key: key, Value: strconv.FormatFloat(value, 'g', -1, 64)}
	}
	return Field{Key: key, Value: value}
}

// Duration returns a duration field rendered as a Go duration string.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Error returns an error field holding the message.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// syncWriter is a writer that can flush to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// sink serialises writes from a logger and every logger derived from it.
type sink struct {
	mu sync.Mutex
	w  syncWriter
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(line)
}

// Logger emits one JSON object per line.
type Logger struct {
	level  Level
	out    *sink
	fields map[string]any
}

// teeWriter copies every line to each writer in order.
type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var first error
	for _, w := range t {
		if err := w.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New builds the process logger from cfg and installs it as the global
// fallback. Output goes to stdout and, when a path is set, to a rotated file.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var tee teeWriter
	if strings.TrimSpace(cfg.Path) != "" {
		file, err := newRotatingWriter(cfg)
		if err != nil {
			return nil, err
		}
		tee = append(tee, file)
	}
	tee = append(tee, os.Stdout)
	logger := &Logger{level: level, out: &sink{w: tee}, fields: map[string]any{"service": "gfxlab"}}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWithWriter builds a logger over w without touching the globals.
func NewWithWriter(w io.Writer, level string) (*Logger, error) {
	parsed, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	sw, ok := w.(syncWriter)
	if !ok {
		sw = nopSyncWriter{w}
	}
	return &Logger{level: parsed, out: &sink{w: sw}}, nil
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *Logger {
	return &Logger{level: DebugLevel, out: &sink{w: nopSyncWriter{io.Discard}}}
}

// ReplaceGlobals swaps the fallback logger returned by L.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the global fallback logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a child logger carrying fields on every line. The child
// shares its parent's output.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	child := &Logger{level: l.level, out: l.out, fields: make(map[string]any, len(l.fields)+len(fields))}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return child
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.w.Sync()
}

// Debug logs at debug level.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }

// Info logs at info level.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }

// Warn logs at warn level.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }

// Error logs at error level.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	//1.- Call-site fields override logger fields; the envelope keys win over both.
	entry := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = message
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.out.write(append(line, '\n'))
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, or the global one.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return L()
}

// TraceIDFromContext returns the trace identifier stored by WithTrace.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceContextKey).(string)
	return id
}

// WithTrace attaches traceID, or a fresh random one when blank, to ctx and
// to a logger derived from base.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	id := strings.TrimSpace(traceID)
	if id == "" {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err == nil {
			id = hex.EncodeToString(buf[:])
		} else {
			id = fmt.Sprintf("%032x", time.Now().UnixNano())
		}
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, id))
	ctx = context.WithValue(ctx, traceContextKey, id)
	return ContextWithLogger(ctx, derived), derived, id
}

type nopSyncWriter struct{ io.Writer }

func (nopSyncWriter) Sync() error { return nil }
