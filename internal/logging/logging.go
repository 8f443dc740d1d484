// Package logging wraps logrus with request-scoped context fields.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
)

// Logger is a logrus logger bound to a service name.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger. Unknown levels fall back to info; format is "json"
// or anything else for text.
func New(service, level, format string) *Logger {
	return NewWithOutput(service, level, format, os.Stdout)
}

// NewWithOutput is New with an explicit sink, used by tests.
func NewWithOutput(service, level, format string, out io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	return &Logger{Logger: l, service: service}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewWithOutput("nop", "panic", "text", io.Discard)
}

// Service returns the service name this logger was created with.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the service name plus any trace and
// user IDs stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"service": l.service}
	if ctx != nil {
		if traceID := GetTraceID(ctx); traceID != "" {
			fields["trace_id"] = traceID
		}
		if userID := GetUserID(ctx); userID != "" {
			fields["user_id"] = userID
		}
	}
	return l.Logger.WithFields(fields)
}

// WithComponent returns an entry tagged with a component name.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "component": component})
}

// LogRequest records a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records an authentication or abuse related event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, details map[string]interface{}) {
	l.WithContext(ctx).WithField("security_event", event).WithFields(details).Warn("security event")
}

// =============================================================================
// Context helpers
// =============================================================================

// NewTraceID generates a random trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
