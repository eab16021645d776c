package logging

import (
	"context"
	"log/slog"
	"time"
)

func String(key, value string) slog.Attr { return slog.String(key, value) }

func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) slog.Attr { return slog.Duration(key, value) }

// Alert tags a line that operators should notice, e.g. a precondition
// violation.
func Alert(value string) slog.Attr { return slog.String(FieldAlert, value) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger { return slog.New(nopHandler{}) }

// NewComponentLogger tags logger with component. A nil logger yields a no-op
// base.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// WarnWithContext logs at WARN and fills in event_type and error_hint when
// attrs lack them.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...slog.Attr) {
	logWithHint(logger, slog.LevelWarn, msg, eventType, attrs)
}

// ErrorWithContext is WarnWithContext at ERROR.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...slog.Attr) {
	logWithHint(logger, slog.LevelError, msg, eventType, attrs)
}

func logWithHint(logger *slog.Logger, level slog.Level, msg, eventType string, attrs []slog.Attr) {
	if logger == nil {
		return
	}
	var hasEvent, hasHint bool
	runID := ""
	for _, attr := range attrs {
		switch attr.Key {
		case FieldEventType:
			hasEvent = true
		case FieldErrorHint:
			hasHint = true
		case FieldRunID:
			runID = attr.Value.String()
		}
	}
	if !hasEvent {
		attrs = append(attrs, String(FieldEventType, eventType))
	}
	if !hasHint {
		attrs = append(attrs, String(FieldErrorHint, defaultHint(runID)))
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func defaultHint(runID string) string {
	if runID == "" {
		return "check " + LogFileName + " for details"
	}
	return "inspect with: videogen history timeline " + runID
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }
