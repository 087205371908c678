// Package logging provides structured logging for the minimization service,
// encoded as JSON lines or as key=value text, and bridges zap loggers onto
// it.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	// DebugLevel carries per-step minimizer progress and is off by default.
	DebugLevel LogLevel = "DEBUG"
	// InfoLevel is the default logging priority.
	InfoLevel LogLevel = "INFO"
	// WarnLevel marks recoverable trouble such as a force-field fallback.
	WarnLevel LogLevel = "WARN"
	// ErrorLevel marks failed jobs and requests.
	ErrorLevel LogLevel = "ERROR"
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel LogLevel = "FATAL"
)

// rank orders levels; unknown levels rank below everything.
func (lv LogLevel) rank() int {
	switch lv {
	case DebugLevel:
		return 0
	case InfoLevel:
		return 1
	case WarnLevel:
		return 2
	case ErrorLevel:
		return 3
	case FatalLevel:
		return 4
	default:
		return -1
	}
}

// Format selects how entries are encoded.
type Format string

const (
	JSONFormat Format = "json"
	TextFormat Format = "text"
)

// sink serializes writes from every logger derived from the same root.
type sink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *sink) write(b []byte) {
	s.mu.Lock()
	_, _ = s.w.Write(b)
	s.mu.Unlock()
}

// Logger writes leveled entries with a fixed set of fields.
type Logger struct {
	level  LogLevel
	format Format
	out    *sink
	fields map[string]interface{}
}

// New creates a JSON Logger with the specified log level and output.
func New(level LogLevel, output io.Writer) *Logger {
	return NewWithFormat(level, JSONFormat, output)
}

// NewWithFormat creates a Logger encoding entries in format. An unknown
// format falls back to JSON.
func NewWithFormat(level LogLevel, format Format, output io.Writer) *Logger {
	if format != TextFormat {
		format = JSONFormat
	}
	return &Logger{
		level:  level,
		format: format,
		out:    &sink{w: output},
		fields: map[string]interface{}{},
	}
}

// WithFields returns a Logger that adds fields to every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	child := *l
	child.fields = merge(l.fields, fields)
	return &child
}

// WithField returns a Logger that adds key to every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithError returns a Logger carrying err under "error".
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// log writes one entry. A "caller" field supplied by the caller wins;
// otherwise log must sit exactly two frames below the code being logged.
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	all := merge(l.fields, fields)
	caller, ok := all["caller"].(string)
	if ok {
		delete(all, "caller")
	} else {
		caller = callerOf(3)
	}

	now := time.Now().UTC()
	var line []byte
	if l.format == TextFormat {
		line = encodeText(now, level, msg, caller, all)
	} else {
		line = encodeJSON(now, level, msg, caller, all)
	}
	l.out.write(line)

	if level == FatalLevel {
		os.Exit(1)
	}
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???:0"
	}
	if parts := strings.Split(file, "/"); len(parts) > 2 {
		file = strings.Join(parts[len(parts)-2:], "/")
	}
	return file + ":" + strconv.Itoa(line)
}

func encodeJSON(ts time.Time, level LogLevel, msg, caller string, fields map[string]interface{}) []byte {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = ts.Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg
	entry["caller"] = caller

	b, err := json.Marshal(entry)
	if err != nil {
		return []byte(fmt.Sprintf("%s [%s] %s: %+v\n", ts.Format(time.RFC3339), level, msg, fields))
	}
	return append(b, '\n')
}

// encodeText renders "timestamp LEVEL message key=value ..." with keys in
// sorted order and caller last.
func encodeText(ts time.Time, level LogLevel, msg, caller string, fields map[string]interface{}) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ts.Format(time.RFC3339Nano))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s", level)
	b.WriteByte(' ')
	b.WriteString(textValue(msg))
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(textValue(fields[k]))
	}
	b.WriteString(" caller=")
	b.WriteString(caller)
	b.WriteByte('\n')
	return []byte(b.String())
}

func textValue(v interface{}) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case error:
		s = x.Error()
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

// shouldLog reports whether entries at level pass the logger's threshold.
func (l *Logger) shouldLog(level LogLevel) bool {
	r, floor := level.rank(), l.level.rank()
	return r >= 0 && floor >= 0 && r >= floor
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a message at DebugLevel.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(DebugLevel, msg, first(fields))
}

// Info logs a message at InfoLevel.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(InfoLevel, msg, first(fields))
}

// Warn logs a message at WarnLevel.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(WarnLevel, msg, first(fields))
}

// Error logs a message at ErrorLevel.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(ErrorLevel, msg, first(fields))
}

// Fatal logs a message at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.log(FatalLevel, msg, first(fields))
}

// CtxLogger is a Logger carried in a request context.
type CtxLogger struct {
	*Logger
}

// FromContext returns the request logger, or an INFO logger on stderr when
// the context carries none.
func FromContext(ctx context.Context) *CtxLogger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*CtxLogger); ok {
		return logger
	}
	return &CtxLogger{New(InfoLevel, os.Stderr)}
}

// WithContext returns a new context with the logger.
func (l *CtxLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}

type ctxLoggerKey struct{}
