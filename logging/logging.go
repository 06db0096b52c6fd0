// Package logging provides the structured, context-aware logging used by
// every component of the coordinator. It wraps logrus the same way the
// reference service wraps it: a small splitter that routes error-level
// output to stderr and everything else to stdout, plus a Logger
// that accumulates fields and can be asked to pull correlation ids out
// of a context.Context.
package logging

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeySagaID    ctxKey = "saga_id"
	ctxKeyUserID    ctxKey = "user_id"
)

// WithRequestID stores a request correlation id on ctx for later extraction by Logger.WithContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// WithSagaID stores a saga id on ctx.
func WithSagaID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySagaID, id)
}

// WithUserID stores a user id on ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, id)
}

// outputSplitter routes error-level lines to stderr, everything else to stdout.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`level=fatal`)) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Config configures a new Logger.
type Config struct {
	Level     string // debug|info|warn|error
	Format    string // "json" or "text"
	Service   string
	AddCaller bool
}

// DefaultConfig returns sensible defaults for interactive/development use.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", AddCaller: false}
}

// Logger is the coordinator's structured logger. The zero value is not
// usable; construct one with New.
type Logger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

// New constructs a Logger from cfg. No package-level global is created;
// every component that needs to log takes a *Logger through its
// constructor.
func New(cfg Config) *Logger {
	l := logrus.New()
	switch cfg.Level {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	l.SetReportCaller(cfg.AddCaller)
	l.SetOutput(outputSplitter{})

	fields := logrus.Fields{}
	if cfg.Service != "" {
		fields["service"] = cfg.Service
	}
	return &Logger{base: l, fields: fields}
}

// NewNop returns a Logger that discards all output, for tests and for
// components constructed without an explicit logger.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return &Logger{base: l, fields: logrus.Fields{}}
}

func (l *Logger) clone(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: l.base, fields: merged}
}

// WithField returns a derived Logger carrying an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.clone(logrus.Fields{key: value})
}

// WithFields returns a derived Logger carrying additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.clone(logrus.Fields(fields))
}

// WithError returns a derived Logger carrying the error's message.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.clone(logrus.Fields{"error": err.Error()})
}

// WithContext extracts request/saga/user ids from ctx, if present, and
// attaches them as structured fields.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := logrus.Fields{}
	if v := ctx.Value(ctxKeyRequestID); v != nil {
		fields["request_id"] = v
	}
	if v := ctx.Value(ctxKeySagaID); v != nil {
		fields["saga_id"] = v
	}
	if v := ctx.Value(ctxKeyUserID); v != nil {
		fields["user_id"] = v
	}
	if len(fields) == 0 {
		return l
	}
	return l.clone(fields)
}

func (l *Logger) Debug(msg string) { l.base.WithFields(l.fields).Debug(msg) }
func (l *Logger) Info(msg string)  { l.base.WithFields(l.fields).Info(msg) }
func (l *Logger) Warn(msg string)  { l.base.WithFields(l.fields).Warn(msg) }
func (l *Logger) Error(msg string) { l.base.WithFields(l.fields).Error(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.base.WithFields(l.fields).Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.base.WithFields(l.fields).Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.base.WithFields(l.fields).Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.base.WithFields(l.fields).Errorf(format, args...) }
