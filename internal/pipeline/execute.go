package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/dispatch"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/lease"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/notifications"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// Summary is the outcome of one Execute call.
type Summary struct {
	RunID     string
	Status    store.RunStatus
	Succeeded workitem.Batch
	Ledger    []store.LedgerEntry
	Resumed   bool
	// StartStage is the stage index execution began at.
	StartStage int
	Duration   time.Duration
}

// Execute runs runID from its latest checkpoint to completion. It is also the
// resume operation: runs left running by a crashed driver or aborted by
// cancellation continue at their last stage boundary. Cancelling ctx stops the
// run before the next sub-batch is dispatched and marks it aborted.
func (d *Driver) Execute(ctx context.Context, runID string) (Summary, error) {
	started := d.now()
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return Summary{RunID: runID}, err
	}
	if err := d.checkExecutable(run); err != nil {
		return Summary{RunID: runID, Status: run.Status}, err
	}

	held, err := d.locker.Acquire(ctx, run.ID)
	if err != nil {
		return Summary{RunID: runID, Status: run.Status}, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn("lease release failed", logging.String(logging.FieldRunID, run.ID), logging.Error(err))
		}
	}()

	// The previous holder may have finished the run between the first read and
	// the lease.
	if run, err = d.store.GetRun(ctx, runID); err != nil {
		return Summary{RunID: runID}, err
	}
	if err := d.checkExecutable(run); err != nil {
		return Summary{RunID: runID, Status: run.Status}, err
	}

	ctx, stopWatch := watchLease(ctx, held)
	defer stopWatch()

	cp, err := d.store.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		return Summary{RunID: runID, Status: run.Status}, err
	}

	ctx = services.WithRunID(ctx, run.ID)
	ctx, span := d.tracer.Start(ctx, "run "+run.ID, trace.WithAttributes(
		attribute.String("videogen.run_id", run.ID),
		attribute.Int("videogen.start_stage", cp.StageIndex),
	))
	defer span.End()
	logger := logging.WithContext(ctx, d.logger)

	summary := Summary{
		RunID:      run.ID,
		Resumed:    run.Status != store.RunPending,
		StartStage: cp.StageIndex,
	}
	surviving := cp.Surviving.Clone()
	ledger := slices.Clone(cp.Ledger)

	run.Status = store.RunRunning
	run.Phase = PhaseRunning
	run.ErrorMessage = ""
	run.StageIndex = cp.StageIndex
	if err := d.store.UpdateRun(ctx, run); err != nil {
		summary.Status = store.RunRunning
		summary.Ledger = ledger
		return summary, ensureInfrastructure(err, "update run")
	}
	logger.Info("run executing",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Int(logging.FieldStageIndex, cp.StageIndex),
		logging.Int("items", len(surviving)),
		logging.Int("ledger", len(ledger)),
		logging.Bool("resumed", summary.Resumed),
	)
	d.publish(ctx, logger, notifications.EventRunStarted, notifications.Payload{
		"runID":         run.ID,
		"spreadsheetID": run.SpreadsheetID,
		"items":         len(surviving),
	})

	for i := cp.StageIndex; i < len(d.stages); i++ {
		if len(surviving) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return d.stop(ctx, run, summary, ledger, fmt.Errorf("%w: %w", services.ErrCancelled, context.Cause(ctx)))
		}
		next, failed, err := d.runStage(ctx, logger, run, i, surviving)
		if err != nil {
			return d.stop(ctx, run, summary, ledger, err)
		}
		if lost := leaseLost(ctx); lost != nil {
			return d.stop(ctx, run, summary, ledger, lost)
		}
		for _, f := range failed {
			ledger = append(ledger, ledgerEntry(f.Item, f.Failure))
		}
		surviving = next

		saved := store.Checkpoint{RunID: run.ID, StageIndex: i + 1, Surviving: surviving, Ledger: ledger, CreatedAt: d.now().UTC()}
		if err := d.store.SaveCheckpoint(ctx, &saved); err != nil {
			return d.stop(ctx, run, summary, ledger, ensureInfrastructure(err, "save checkpoint"))
		}
		run.StageIndex = i + 1
		run.Phase = PhaseAdvancing
		if len(failed) > 0 {
			run.Phase = PhaseStageFailed
		}
		if err := d.store.UpdateRun(ctx, run); err != nil {
			return d.stop(ctx, run, summary, ledger, ensureInfrastructure(err, "update run"))
		}
		if d.observer != nil {
			if err := d.observer(ctx, saved); err != nil {
				summary.Status = run.Status
				summary.Ledger = ledger
				return summary, err
			}
		}
	}

	if lost := leaseLost(ctx); lost != nil {
		return d.stop(ctx, run, summary, ledger, lost)
	}
	return d.complete(ctx, logger, run, summary, surviving, ledger, started)
}

func (d *Driver) checkExecutable(run *store.Run) error {
	switch run.Status {
	case store.RunPending, store.RunRunning, store.RunAborted:
	default:
		return services.Wrap(services.ErrValidation, "pipeline", "execute",
			fmt.Sprintf("run %s already finished as %s", run.ID, run.Status), nil)
	}
	if !slices.Equal(run.Stages, d.Stages()) {
		return services.Wrap(services.ErrConfiguration, "pipeline", "execute",
			fmt.Sprintf("run stages %v do not match configured stages %v", run.Stages, d.Stages()), nil)
	}
	return nil
}

// watchLease derives a context that is cancelled with lease.LostError when
// held reports loss.
func watchLease(ctx context.Context, held lease.Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	lost := held.Lost()
	if lost == nil {
		return ctx, func() { cancel(nil) }
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-lost:
			cancel(lease.LostError(held.RunID()))
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		close(stop)
		cancel(nil)
	}
}

func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, services.ErrLeaseHeld) {
		return cause
	}
	return nil
}

// stop ends Execute early and reports the ledger accumulated so far. A lost
// lease leaves the run record to whichever driver holds it now; any other
// cause marks the run aborted.
func (d *Driver) stop(ctx context.Context, run *store.Run, summary Summary, ledger []store.LedgerEntry, cause error) (Summary, error) {
	summary.Ledger = slices.Clone(ledger)
	if lost := leaseLost(ctx); lost != nil {
		if !errors.Is(cause, services.ErrLeaseHeld) {
			cause = errors.Join(lost, cause)
		}
		logging.ErrorWithContext(logging.WithContext(ctx, d.logger), "run stopped after losing its lease", "run_lease_lost",
			logging.Int(logging.FieldStageIndex, run.StageIndex),
			logging.String(logging.FieldErrorKind, string(services.KindInfrastructure)),
			logging.Alert("lease_lost"),
			logging.Error(cause),
		)
		summary.Status = store.RunRunning
		return summary, cause
	}
	summary.Status = store.RunAborted
	return summary, d.abort(ctx, run, cause)
}

// runStage dispatches stage i over items that meet its entry requirement.
// It returns the items that advance and the items that failed here.
func (d *Driver) runStage(ctx context.Context, logger *slog.Logger, run *store.Run, i int, items workitem.Batch) (workitem.Batch, []dispatch.FailedItem, error) {
	def := d.stages[i]
	ctx = services.WithStage(ctx, def.Name)
	ctx, span := d.tracer.Start(ctx, "stage "+def.Name, trace.WithAttributes(attribute.Int("videogen.stage_index", i)))
	defer span.End()
	logger = logger.With(logging.String(logging.FieldStage, def.Name), logging.Int(logging.FieldStageIndex, i))

	run.StageIndex = i
	run.Phase = PhaseRunning
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return nil, nil, ensureInfrastructure(err, "update run")
	}

	req := stage.Requirement(d.stages, i)
	var (
		ready  workitem.Batch
		failed []dispatch.FailedItem
	)
	for _, item := range items {
		if err := workitem.Validate(item, req); err != nil {
			failed = append(failed, d.preconditionFailure(logger, def.Name, item, err))
			continue
		}
		ready = append(ready, item)
	}

	logger.Info("stage starting",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("items", len(ready)),
	)
	res, err := d.dispatcher.Dispatch(ctx, dispatch.Request{
		RunContext: stage.RunContext{RunID: run.ID, SpreadsheetID: run.SpreadsheetID, SheetName: run.SheetName},
		Stage:      def,
		StageIndex: i,
		Items:      ready,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	if res.Cancelled() {
		// The stage is re-run from its entry checkpoint on resume.
		span.SetStatus(codes.Error, "cancelled")
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.Canceled
		}
		return nil, nil, fmt.Errorf("%w: stage %s interrupted with %d items undispatched: %w", services.ErrCancelled, def.Name, len(res.Pending), cause)
	}
	failed = append(failed, res.Failed...)

	if err := d.writeOutputs(ctx, run, def, res.Succeeded); err != nil {
		return nil, nil, err
	}
	for _, f := range failed {
		logger.Warn("item failed stage",
			logging.String(logging.FieldEventType, "item_failed"),
			logging.Int(logging.FieldRowIndex, f.Item.RowIndex),
			logging.String(logging.FieldErrorKind, f.Failure.Kind),
			logging.String(logging.FieldErrorReason, f.Failure.Reason),
			logging.String("error_message", f.Failure.Message),
		)
	}
	logger.Info("stage finished",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("succeeded", len(res.Succeeded)),
		logging.Int("failed", len(failed)),
	)
	span.SetAttributes(attribute.Int("videogen.succeeded", len(res.Succeeded)), attribute.Int("videogen.failed", len(failed)))
	return workitem.SortLike(res.Succeeded, items), sortFailures(failed, items), nil
}

func (d *Driver) preconditionFailure(logger *slog.Logger, stageName string, item workitem.Item, err error) dispatch.FailedItem {
	reason := workitem.ReasonMissingInput
	var pre *workitem.PreconditionError
	if errors.As(err, &pre) {
		reason = pre.Reason
	}
	logging.ErrorWithContext(logger, "item does not meet stage entry requirement", "precondition_violation",
		logging.Int(logging.FieldRowIndex, item.RowIndex),
		logging.String(logging.FieldErrorKind, string(services.KindPrecondition)),
		logging.String(logging.FieldErrorReason, reason),
		logging.Alert("precondition_violation"),
		logging.Error(err),
	)
	return dispatch.FailedItem{Item: item, Failure: workitem.Failure{
		Stage:      stageName,
		Kind:       string(services.KindPrecondition),
		Reason:     reason,
		Message:    err.Error(),
		OccurredAt: d.now().UTC(),
	}}
}

func (d *Driver) complete(ctx context.Context, logger *slog.Logger, run *store.Run, summary Summary, surviving workitem.Batch, ledger []store.LedgerEntry, started time.Time) (Summary, error) {
	succeeded := surviving.Clone()
	for i := range succeeded {
		succeeded[i].Succeed()
	}
	if err := d.writeFinalStatus(ctx, run, succeeded, ledger); err != nil {
		return d.stop(ctx, run, summary, ledger, err)
	}

	status := store.RunSucceeded
	switch {
	case len(ledger) > 0 && len(succeeded) == 0:
		status = store.RunFailed
	case len(ledger) > 0:
		status = store.RunPartiallyFailed
	}
	run.Status = status
	run.Phase = PhaseCompleted
	run.StageIndex = len(d.stages)
	run.CompletedAt = d.now().UTC()
	if err := d.store.UpdateRun(ctx, run); err != nil {
		summary.Status = store.RunRunning
		summary.Ledger = ledger
		return summary, ensureInfrastructure(err, "update run")
	}

	summary.Status = status
	summary.Succeeded = succeeded
	summary.Ledger = ledger
	summary.Duration = d.now().Sub(started)
	logger.Info("run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.String("status", string(status)),
		logging.Int("succeeded", len(succeeded)),
		logging.Int("failed", len(ledger)),
		logging.Duration("elapsed", summary.Duration),
	)
	d.publish(ctx, logger, notifications.EventRunCompleted, notifications.Payload{
		"runID":     run.ID,
		"succeeded": len(succeeded),
		"failed":    len(ledger),
		"duration":  summary.Duration,
	})
	return summary, nil
}

// abort marks the run aborted and returns cause. Persistence uses a
// non-cancelled context so operator cancellation is still recorded.
func (d *Driver) abort(ctx context.Context, run *store.Run, cause error) error {
	persistCtx := context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, d.logger)
	run.Status = store.RunAborted
	run.Phase = PhaseAborted
	run.ErrorMessage = cause.Error()
	if err := d.store.UpdateRun(persistCtx, run); err != nil {
		logger.Error("failed to persist aborted run", logging.Error(err))
		cause = errors.Join(cause, err)
	}
	details := services.Details(cause)
	logging.ErrorWithContext(logger, "run aborted", "run_aborted",
		logging.Int(logging.FieldStageIndex, run.StageIndex),
		logging.String(logging.FieldErrorKind, string(details.Kind)),
		logging.String(logging.FieldErrorHint, details.Hint),
		logging.Alert("run_aborted"),
		logging.Error(cause),
	)
	d.publish(persistCtx, logger, notifications.EventRunAborted, notifications.Payload{
		"runID": run.ID,
		"error": details.Message,
	})
	return cause
}

func (d *Driver) publish(ctx context.Context, logger *slog.Logger, event notifications.Event, payload notifications.Payload) {
	if err := d.notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("shutting down, could not send notification", logging.String("event", string(event)))
			return
		}
		logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

func sortFailures(failed []dispatch.FailedItem, reference workitem.Batch) []dispatch.FailedItem {
	order := make(map[int]int, len(reference))
	for i, item := range reference {
		order[item.RowIndex] = i
	}
	out := slices.Clone(failed)
	slices.SortStableFunc(out, func(a, b dispatch.FailedItem) int {
		return order[a.Item.RowIndex] - order[b.Item.RowIndex]
	})
	return out
}
