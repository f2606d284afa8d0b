// Package logging is the process-wide structured logger for the paths that
// do not carry a zerolog component logger: startup, the data provider and
// the stream consumers. Records go out as JSON lines or plain text with
// trailing key=value fields.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level orders severities; records below the logger's level are dropped.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DEBUG || l > FATAL {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config string onto a level. Unknown strings fall back
// to INFO rather than erroring; a typo in the config must not kill logging.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// record is the wire shape of one log line.
type record struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config selects level, destination and format.
type Config struct {
	Level       string `json:"level"`
	Output      string `json:"output"` // "stdout", "stderr" or a file path
	Component   string `json:"component"`
	IncludeFile bool   `json:"include_file"`
	JSONFormat  bool   `json:"json_format"`
}

// Logger writes structured records. Derived loggers share the output writer
// and the mutex guarding it.
type Logger struct {
	mu          *sync.Mutex
	out         io.Writer
	level       Level
	component   string
	fields      map[string]interface{}
	includeFile bool
	jsonFormat  bool
}

// New builds a logger from config. An unopenable log file degrades to
// stdout; losing the process over a log path is never worth it.
func New(cfg *Config) *Logger {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}
	return &Logger{
		mu:          &sync.Mutex{},
		out:         out,
		level:       ParseLevel(cfg.Level),
		component:   cfg.Component,
		fields:      map[string]interface{}{},
		includeFile: cfg.IncludeFile,
		jsonFormat:  cfg.JSONFormat,
	}
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process logger, creating a JSON stdout logger at INFO
// on first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(&Config{Level: "INFO", Component: "app", JSONFormat: true})
	}
	return defaultLogger
}

// SetDefault installs the process logger; main calls this once after the
// config is loaded.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

func (l *Logger) derive() *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	clone := *l
	clone.fields = fields
	return &clone
}

// WithComponent returns a logger tagged with the given component.
func (l *Logger) WithComponent(component string) *Logger {
	clone := l.derive()
	clone.component = component
	return clone
}

// WithField returns a logger that attaches key=value to every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	clone := l.derive()
	clone.fields[key] = value
	return clone
}

// WithError returns a logger carrying the error as a field. Nil errors add
// nothing.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.emit(DEBUG, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.emit(INFO, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.emit(WARN, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.emit(ERROR, msg, kv) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.emit(FATAL, msg, kv)
	os.Exit(1)
}

func (l *Logger) emit(level Level, msg string, kv []interface{}) {
	if level < l.level {
		return
	}

	rec := record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Fields:    mergeFields(l.fields, kv),
		Component: l.component,
	}

	if l.includeFile {
		if _, file, line, ok := runtime.Caller(2); ok {
			if i := strings.LastIndexByte(file, '/'); i >= 0 {
				file = file[i+1:]
			}
			rec.File, rec.Line = file, line
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonFormat {
		if data, err := json.Marshal(rec); err == nil {
			fmt.Fprintln(l.out, string(data))
		}
		return
	}
	fmt.Fprintln(l.out, rec.text())
}

// mergeFields folds variadic key-value pairs onto the logger's bound
// fields. A dangling key without a value is kept with a nil value so the
// mistake is visible in the output instead of silently dropped.
func mergeFields(bound map[string]interface{}, kv []interface{}) map[string]interface{} {
	if len(bound) == 0 && len(kv) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(bound)+len(kv)/2+1)
	for k, v := range bound {
		fields[k] = v
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		if i+1 >= len(kv) {
			fields[key] = nil
			break
		}
		if err, isErr := kv[i+1].(error); isErr && err != nil {
			fields[key] = err.Error()
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func (r record) text() string {
	var b strings.Builder
	if len(r.Timestamp) >= 19 {
		b.WriteString(r.Timestamp[:19])
	} else {
		b.WriteString(r.Timestamp)
	}
	fmt.Fprintf(&b, " %-5s", r.Level)
	if r.Component != "" {
		b.WriteString(" [")
		b.WriteString(r.Component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(r.Message)
	for k, v := range r.Fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	if r.File != "" {
		fmt.Fprintf(&b, " (%s:%d)", r.File, r.Line)
	}
	return b.String()
}

// Package-level shorthands against the default logger.

func Debug(msg string, kv ...interface{}) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { Default().Error(msg, kv...) }
func Fatal(msg string, kv ...interface{}) { Default().Fatal(msg, kv...) }

// WithComponent tags the default logger with a component.
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}

// WithField binds a field onto the default logger.
func WithField(key string, value interface{}) *Logger {
	return Default().WithField(key, value)
}

// WithError binds an error field onto the default logger.
func WithError(err error) *Logger {
	return Default().WithError(err)
}
