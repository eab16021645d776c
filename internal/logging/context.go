package logging

import (
	"context"
	"log/slog"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized structured logging key for pipeline run identifiers.
	FieldRunID = "run_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldStageIndex is the zero-based position of the stage in the run.
	FieldStageIndex = "stage_index"
	// FieldRowIndex is the standardized structured logging key for spreadsheet rows.
	FieldRowIndex = "row_index"
	// FieldSubBatch identifies a sub-batch within a stage dispatch.
	FieldSubBatch = "sub_batch"
	// FieldAttempt is the 1-based invocation attempt for a sub-batch.
	FieldAttempt = "attempt"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorKind carries the error taxonomy bucket.
	FieldErrorKind = "error_kind"
	// FieldErrorReason carries the ledger reason (RetriesExhausted, PermanentError, ...).
	FieldErrorReason = "error_reason"
	// FieldErrorHint suggests a next step to the operator.
	FieldErrorHint = "error_hint"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if row, ok := services.RowIndexFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldRowIndex, row))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return logger.With(args...)
}
