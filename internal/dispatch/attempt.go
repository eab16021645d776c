package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

type attemptOutcome struct {
	succeeded []workitem.Item
	failed    []FailedItem
	retry     []workitem.Item
	detail    string
	// retryAfter is a worker-requested minimum wait before the next attempt.
	retryAfter time.Duration
}

// attempt performs one invocation of the worker for items and records it.
func (d *Dispatcher) attempt(ctx context.Context, req Request, subBatch, attempt int, items workitem.Batch) (attemptOutcome, error) {
	def := req.Stage
	runCtx := req.RunContext
	runCtx.Stage = def.Name
	runCtx.Attempt = attempt
	input := stage.Input{Items: items.Clone(), RunContext: runCtx}

	ctx, span := d.tracer.Start(ctx, "invoke "+def.Name, trace.WithAttributes(
		attribute.Int("videogen.sub_batch", subBatch),
		attribute.Int("videogen.attempt", attempt),
		attribute.Int("videogen.items", len(items)),
	))
	defer span.End()

	// In-flight invocations are not interrupted by run cancellation; only the
	// stage timeout bounds them.
	invokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), def.Timeout)
	started := d.now().UTC()
	out, invokeErr := def.Worker.Invoke(invokeCtx, input)
	timedOut := invokeCtx.Err() != nil && errors.Is(invokeCtx.Err(), context.DeadlineExceeded)
	cancel()
	ended := d.now().UTC()

	result, outcome := d.reduce(ctx, def, items, attempt, out, invokeErr, timedOut)

	rec := &store.ExecutionRecord{
		RunID:          runCtx.RunID,
		Stage:          def.Name,
		StageIndex:     req.StageIndex,
		SubBatch:       subBatch,
		Attempt:        attempt,
		Outcome:        outcome,
		InputSnapshot:  snapshot(input),
		OutputSnapshot: outputSnapshot(out, invokeErr),
		FailureDetail:  result.detail,
		SucceededRows:  workitem.Batch(result.succeeded).RowIndexes(),
		FailedRows:     failedRows(result),
		StartedAt:      started,
		EndedAt:        ended,
	}

	span.SetAttributes(attribute.String("videogen.outcome", string(outcome)))
	if outcome != store.OutcomeSucceeded {
		span.SetStatus(codes.Error, result.detail)
	}
	logging.WithContext(ctx, d.logger).Debug("sub-batch attempt",
		logging.String(logging.FieldEventType, "sub_batch_attempt"),
		logging.Int(logging.FieldSubBatch, subBatch),
		logging.Int(logging.FieldAttempt, attempt),
		logging.String("outcome", string(outcome)),
		logging.Int("succeeded", len(result.succeeded)),
		logging.Int("failed", len(result.failed)),
		logging.Int("retry", len(result.retry)),
		logging.Duration("elapsed", ended.Sub(started)),
	)

	if d.recorder != nil {
		if err := d.recorder.AppendExecution(context.WithoutCancel(ctx), rec); err != nil {
			span.RecordError(err)
			return result, services.Wrap(services.ErrInfrastructure, def.Name, "append execution record", "execution history unavailable", err)
		}
	}
	return result, nil
}

// reduce classifies one invocation. Whole sub-batch transient failures go to
// retry; permanent ones fail every item; partial answers are merged per item.
func (d *Dispatcher) reduce(ctx context.Context, def stage.Definition, items workitem.Batch, attempt int, out stage.Output, invokeErr error, timedOut bool) (attemptOutcome, store.Outcome) {
	var partial *stage.PartialBatchFailure
	switch {
	case invokeErr == nil:
		code := out.StatusCode
		if code == 0 {
			code = http.StatusOK
		}
		// Items echoed on a non-200 reply are not trusted without per-item
		// failure detail.
		if code != http.StatusOK && len(out.Failures) == 0 {
			return d.wholeFailure(def, items, attempt, stage.StatusError(out), false)
		}
		return d.merge(ctx, def, items, attempt, out.Items, out.Failures)
	case errors.As(invokeErr, &partial):
		return d.merge(ctx, def, items, attempt, partial.Succeeded, partial.Failed)
	default:
		return d.wholeFailure(def, items, attempt, invokeErr, timedOut)
	}
}

func (d *Dispatcher) wholeFailure(def stage.Definition, items workitem.Batch, attempt int, err error, timedOut bool) (attemptOutcome, store.Outcome) {
	detail := err.Error()
	if timedOut {
		detail = fmt.Sprintf("timed out after %s: %s", def.Timeout, detail)
		return attemptOutcome{retry: items, detail: detail}, store.OutcomeTimeout
	}
	if wholeRetryable(err) {
		result := attemptOutcome{retry: items, detail: detail}
		var transient *stage.TransientError
		if errors.As(err, &transient) {
			result.retryAfter = transient.RetryAfter
		}
		return result, store.OutcomeTransientFailure
	}
	kind := services.KindOf(err)
	if kind == services.KindUnknown || kind == "" {
		kind = services.KindPermanent
	}
	result := attemptOutcome{detail: detail}
	for _, item := range items {
		result.failed = append(result.failed, FailedItem{Item: item, Failure: workitem.Failure{
			Stage:      def.Name,
			Kind:       string(kind),
			Reason:     ReasonPermanentError,
			Message:    detail,
			Attempts:   attempt,
			OccurredAt: d.now().UTC(),
		}})
	}
	return result, store.OutcomePermanentFailure
}

// wholeRetryable treats unclassified invocation errors as transient, matching
// how transport failures surface from remote workers.
func wholeRetryable(err error) bool {
	switch services.KindOf(err) {
	case services.KindTransient, services.KindUnknown, services.KindCancelled:
		return true
	default:
		return errors.Is(err, context.DeadlineExceeded)
	}
}

func (d *Dispatcher) merge(ctx context.Context, def stage.Definition, items workitem.Batch, attempt int, returned []workitem.Item, failures []stage.ItemFailure) (attemptOutcome, store.Outcome) {
	logger := logging.WithContext(ctx, d.logger)
	byRow := make(map[int]workitem.Item, len(returned))
	for _, item := range returned {
		byRow[item.RowIndex] = item
	}
	failedByRow := make(map[int]stage.ItemFailure, len(failures))
	for _, f := range failures {
		failedByRow[f.RowIndex] = f
	}

	known := make(map[int]struct{}, len(items))
	var result attemptOutcome
	var details []string
	for _, tracked := range items {
		known[tracked.RowIndex] = struct{}{}
		if f, ok := failedByRow[tracked.RowIndex]; ok {
			details = append(details, fmt.Sprintf("row %d: %s", tracked.RowIndex, f.Error))
			if f.Retryable && def.Retry.RetryFailedSubset {
				result.retry = append(result.retry, tracked)
				continue
			}
			result.failed = append(result.failed, d.itemFailure(def, tracked, attempt, services.KindPermanent, ReasonItemFailed, f.Error))
			continue
		}
		reply, ok := byRow[tracked.RowIndex]
		if !ok {
			details = append(details, fmt.Sprintf("row %d: missing from worker output", tracked.RowIndex))
			result.failed = append(result.failed, d.itemFailure(def, tracked, attempt, services.KindPermanent, ReasonMissingFromReply, "worker output did not mention the item"))
			continue
		}
		enriched := tracked.Clone()
		if err := workitem.Enrich(&enriched, reply, def.Name, def.Produces.Fields, def.Produces.Flag); err != nil {
			var pre *workitem.PreconditionError
			reason := "PreconditionFailed"
			if errors.As(err, &pre) {
				reason = pre.Reason
			}
			logging.ErrorWithContext(logger, "stage output violates item invariants", "precondition_violation",
				logging.Int(logging.FieldRowIndex, tracked.RowIndex),
				logging.String(logging.FieldErrorKind, string(services.KindPrecondition)),
				logging.String(logging.FieldErrorReason, reason),
				logging.Alert("precondition_violation"),
				logging.Error(err),
			)
			details = append(details, err.Error())
			result.failed = append(result.failed, d.itemFailure(def, tracked, attempt, services.KindPrecondition, reason, err.Error()))
			continue
		}
		enriched.Status = workitem.StatusInProgress
		result.succeeded = append(result.succeeded, enriched)
	}
	for row := range byRow {
		if _, ok := known[row]; !ok {
			logging.WarnWithContext(logger, "worker returned an item it was not sent", "unexpected_item",
				logging.Int(logging.FieldRowIndex, row),
				logging.String(logging.FieldErrorHint, "the item was ignored"),
			)
		}
	}
	if len(details) > 0 {
		result.detail = joinDetails(details)
	}

	switch {
	case len(result.failed) == 0 && len(result.retry) == 0:
		return result, store.OutcomeSucceeded
	case len(result.succeeded) == 0 && len(result.retry) == 0:
		return result, store.OutcomePermanentFailure
	default:
		return result, store.OutcomePartial
	}
}

func (d *Dispatcher) itemFailure(def stage.Definition, item workitem.Item, attempt int, kind services.Kind, reason, message string) FailedItem {
	return FailedItem{Item: item, Failure: workitem.Failure{
		Stage:      def.Name,
		Kind:       string(kind),
		Reason:     reason,
		Message:    message,
		Attempts:   attempt,
		OccurredAt: d.now().UTC(),
	}}
}

func joinDetails(details []string) string {
	const limit = 10
	if len(details) > limit {
		extra := len(details) - limit
		details = append(details[:limit:limit], fmt.Sprintf("and %d more", extra))
	}
	out := details[0]
	for _, d := range details[1:] {
		out += "; " + d
	}
	return out
}

func failedRows(result attemptOutcome) []int {
	rows := make([]int, 0, len(result.failed)+len(result.retry))
	for _, f := range result.failed {
		rows = append(rows, f.Item.RowIndex)
	}
	for _, item := range result.retry {
		rows = append(rows, item.RowIndex)
	}
	return rows
}

func snapshot(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"snapshotError":%q}`, err.Error())
	}
	return string(data)
}

func outputSnapshot(out stage.Output, err error) string {
	var partial *stage.PartialBatchFailure
	if errors.As(err, &partial) {
		return snapshot(stage.Output{StatusCode: http.StatusOK, Items: partial.Succeeded, Failures: partial.Failed, Error: partial.Error()})
	}
	if err != nil && out.StatusCode == 0 && len(out.Items) == 0 {
		return ""
	}
	return snapshot(out)
}
