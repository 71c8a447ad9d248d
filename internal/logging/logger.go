// Package logging wraps logrus with the field conventions lsmttl uses:
// JSON output by default, a correlation ID per lookup or sweep, and
// request IDs carried on contexts (see context.go).
package logging

import (
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levels = [...]struct {
	name   string
	logrus logrus.Level
}{
	LevelDebug: {"debug", logrus.DebugLevel},
	LevelInfo:  {"info", logrus.InfoLevel},
	LevelWarn:  {"warn", logrus.WarnLevel},
	LevelError: {"error", logrus.ErrorLevel},
}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "unknown"
	}
	return levels[l].name
}

// ParseLevel falls back to LevelInfo for unknown names.
func ParseLevel(s string) Level {
	for l, def := range levels {
		if def.name == s {
			return Level(l)
		}
	}
	return LevelInfo
}

func (l Level) logrus() logrus.Level {
	if l < LevelDebug || l > LevelError {
		return logrus.InfoLevel
	}
	return levels[l].logrus
}

type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseFormat falls back to FormatJSON for anything but "text".
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

func formatter(f Format) logrus.Formatter {
	if f == FormatText {
		return &logrus.TextFormatter{
			DisableColors:    true,
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339Nano,
			QuoteEmptyFields: true,
		}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	}
}

const (
	FieldCorrelationID = "correlationId"
	FieldFile          = "file"
	FieldLine          = "line"
)

// Logger is a set of fields over a shared logrus logger. With and
// WithCorrelationID return children; level and format changes made through
// any member of the family apply to all of it.
type Logger struct {
	base      *logrus.Logger
	fields    logrus.Fields // never mutated after construction
	addCaller *atomic.Bool
}

type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to stderr
	// AddCaller attaches the calling file and line to every entry.
	AddCaller bool
}

func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(cfg.Level.logrus())
	base.SetFormatter(formatter(cfg.Format))

	l := &Logger{base: base, fields: logrus.Fields{}, addCaller: new(atomic.Bool)}
	l.addCaller.Store(cfg.AddCaller)
	return l
}

// DefaultLogger logs JSON at info level to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON})
}

func NewCorrelationID() string {
	return uuid.New().String()
}

func (l *Logger) SetLevel(level Level) { l.base.SetLevel(level.logrus()) }

func (l *Logger) GetLevel() Level {
	switch lvl := l.base.GetLevel(); {
	case lvl >= logrus.DebugLevel:
		return LevelDebug
	case lvl == logrus.InfoLevel:
		return LevelInfo
	case lvl == logrus.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

func (l *Logger) SetFormat(format Format) { l.base.SetFormatter(formatter(format)) }

func (l *Logger) SetAddCaller(add bool) { l.addCaller.Store(add) }

func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: l.base, fields: merged, addCaller: l.addCaller}
}

func (l *Logger) WithCorrelationID(id string) *Logger {
	return l.With(map[string]any{FieldCorrelationID: id})
}

// Entry hands out the logrus entry behind l for callers that want the
// logrus API directly.
func (l *Logger) Entry() *logrus.Entry {
	return l.base.WithFields(l.fields)
}

func (l *Logger) Debug(msg string)                         { l.log(LevelDebug, msg, nil) }
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string)                          { l.log(LevelInfo, msg, nil) }
func (l *Logger) Infof(msg string, fields map[string]any)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string)                          { l.log(LevelWarn, msg, nil) }
func (l *Logger) Warnf(msg string, fields map[string]any)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string)                         { l.log(LevelError, msg, nil) }
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, extra map[string]any) {
	lvl := level.logrus()
	if !l.base.IsLevelEnabled(lvl) {
		return
	}
	entry := l.base.WithFields(l.fields)
	if len(extra) > 0 {
		entry = entry.WithFields(extra)
	}
	// 0 is log, 1 the level method, 2 its caller.
	if l.addCaller.Load() {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry = entry.WithFields(logrus.Fields{FieldFile: file, FieldLine: line})
		}
	}
	entry.Log(lvl, msg)
}
