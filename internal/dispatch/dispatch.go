package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// Failure reasons recorded on items that leave a dispatch as failed.
const (
	ReasonRetriesExhausted = "RetriesExhausted"
	ReasonPermanentError   = "PermanentError"
	ReasonItemFailed       = "ItemFailed"
	ReasonMissingFromReply = "MissingFromOutput"
)

// Recorder persists execution records. It must accept concurrent appends.
type Recorder interface {
	AppendExecution(ctx context.Context, rec *store.ExecutionRecord) error
}

// Options configures a Dispatcher.
type Options struct {
	Recorder Recorder
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Sleep waits between attempts; it must return early with an error when
	// ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64
	Now  func() time.Time
}

// Dispatcher invokes stage workers for sub-batches of a batch.
type Dispatcher struct {
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
	now      func() time.Time
}

// New constructs a Dispatcher, filling unset options with defaults.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		recorder: opts.Recorder,
		logger:   logging.NewComponentLogger(opts.Logger, "dispatch"),
		tracer:   opts.Tracer,
		sleep:    opts.Sleep,
		rand:     opts.Rand,
		now:      opts.Now,
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("videogen/dispatch")
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	if d.rand == nil {
		d.rand = rand.Float64
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Request describes one stage dispatch.
type Request struct {
	RunContext stage.RunContext
	Stage      stage.Definition
	StageIndex int
	Items      workitem.Batch
}

// FailedItem pairs an item with the reason it left the stage.
type FailedItem struct {
	Item    workitem.Item
	Failure workitem.Failure
}

// Result partitions the request items. When the dispatch ran to completion
// every item is in exactly one of Succeeded or Failed; after cancellation,
// items that were never dispatched or were awaiting a retry are in Pending.
type Result struct {
	Succeeded workitem.Batch
	Failed    []FailedItem
	Pending   workitem.Batch
}

// Cancelled reports whether some items were left undispatched.
func (r Result) Cancelled() bool {
	return len(r.Pending) > 0
}

// Dispatch runs req.Stage over req.Items. The returned error is non-nil only
// for infrastructure failures (the execution history could not be written);
// item failures are reported in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	def := req.Stage
	if err := def.Validate(); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, def.Name, "dispatch", "invalid stage definition", err)
	}
	ctx = services.WithStage(services.WithRunID(ctx, req.RunContext.RunID), def.Name)
	ctx, span := d.tracer.Start(ctx, "dispatch "+def.Name, trace.WithAttributes(
		attribute.String("videogen.run_id", req.RunContext.RunID),
		attribute.String("videogen.stage", def.Name),
		attribute.Int("videogen.items", len(req.Items)),
	))
	defer span.End()

	logger := logging.WithContext(ctx, d.logger)
	chunks := req.Items.Split(def.MaxBatchSize)
	results := make([]subResult, len(chunks))

	var g errgroup.Group
	g.SetLimit(def.Concurrency)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			results[i] = subResult{pending: chunk.Clone()}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = subResult{pending: chunk.Clone()}
				return nil
			}
			res, err := d.runSubBatch(ctx, req, i, chunk.Clone())
			results[i] = res
			return err
		})
	}
	recordErr := g.Wait()

	var out Result
	for _, res := range results {
		out.Succeeded = append(out.Succeeded, res.succeeded...)
		out.Failed = append(out.Failed, res.failed...)
		out.Pending = append(out.Pending, res.pending...)
	}
	out.Succeeded = workitem.SortLike(out.Succeeded, req.Items)
	out.Pending = workitem.SortLike(out.Pending, req.Items)
	out.Failed = sortFailed(out.Failed, req.Items)

	span.SetAttributes(
		attribute.Int("videogen.succeeded", len(out.Succeeded)),
		attribute.Int("videogen.failed", len(out.Failed)),
		attribute.Int("videogen.pending", len(out.Pending)),
	)
	logger.Info("stage dispatch finished",
		logging.String(logging.FieldEventType, "stage_dispatch_complete"),
		logging.Int("sub_batches", len(chunks)),
		logging.Int("succeeded", len(out.Succeeded)),
		logging.Int("failed", len(out.Failed)),
		logging.Int("pending", len(out.Pending)),
	)

	if recordErr != nil {
		span.SetStatus(codes.Error, recordErr.Error())
		return out, recordErr
	}
	return out, nil
}

type subResult struct {
	succeeded []workitem.Item
	failed    []FailedItem
	pending   []workitem.Item
}

func (d *Dispatcher) runSubBatch(ctx context.Context, req Request, index int, items workitem.Batch) (subResult, error) {
	def := req.Stage
	logger := logging.WithContext(ctx, d.logger).With(logging.Int(logging.FieldSubBatch, index))

	var (
		res       subResult
		remaining = items
		lastErr   string
	)
	for attempt := 1; len(remaining) > 0; attempt++ {
		outcome, err := d.attempt(ctx, req, index, attempt, remaining)
		if err != nil {
			return res, err
		}
		res.succeeded = append(res.succeeded, outcome.succeeded...)
		res.failed = append(res.failed, outcome.failed...)
		if len(outcome.retry) == 0 {
			break
		}
		remaining = outcome.retry
		lastErr = outcome.detail

		if attempt >= def.Retry.MaxAttempts {
			logging.WarnWithContext(logger, "retries exhausted", "sub_batch_retries_exhausted",
				logging.Int(logging.FieldAttempt, attempt),
				logging.Int("items", len(remaining)),
				logging.String(logging.FieldErrorReason, ReasonRetriesExhausted),
				logging.String("last_error", lastErr),
			)
			for _, item := range remaining {
				res.failed = append(res.failed, FailedItem{Item: item, Failure: workitem.Failure{
					Stage:      def.Name,
					Kind:       string(services.KindTransient),
					Reason:     ReasonRetriesExhausted,
					Message:    lastErr,
					Attempts:   attempt,
					OccurredAt: d.now().UTC(),
				}})
			}
			break
		}

		delay := d.backoff(def.Retry, attempt, outcome.retryAfter)
		logger.Info("sub-batch retry scheduled",
			logging.String(logging.FieldEventType, "sub_batch_retry"),
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("delay", delay),
			logging.Int("items", len(remaining)),
			logging.String("last_error", lastErr),
		)
		if ctx.Err() != nil {
			res.pending = append(res.pending, remaining...)
			break
		}
		if err := d.sleep(ctx, delay); err != nil {
			res.pending = append(res.pending, remaining...)
			break
		}
	}
	return res, nil
}

// backoff returns the delay after a failed attempt: the policy's exponential
// delay plus up to Jitter of itself, raised to the worker's Retry-After hint.
// The hint is capped at MaxDelay.
func (d *Dispatcher) backoff(policy stage.RetryPolicy, attempt int, retryAfter time.Duration) time.Duration {
	delay := policy.Delay(attempt)
	if policy.Jitter > 0 && delay > 0 {
		delay += time.Duration(float64(delay) * policy.Jitter * d.rand())
	}
	if policy.MaxDelay > 0 && retryAfter > policy.MaxDelay {
		retryAfter = policy.MaxDelay
	}
	return max(delay, retryAfter)
}

func sortFailed(failed []FailedItem, reference workitem.Batch) []FailedItem {
	if len(failed) < 2 {
		return failed
	}
	items := make([]workitem.Item, len(failed))
	byRow := make(map[int]FailedItem, len(failed))
	for i, f := range failed {
		items[i] = f.Item
		byRow[f.Item.RowIndex] = f
	}
	ordered := workitem.SortLike(items, reference)
	out := make([]FailedItem, 0, len(failed))
	for _, item := range ordered {
		out = append(out, byRow[item.RowIndex])
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
