package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/dispatch"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/lease"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/testsupport"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

const (
	sheetID   = "sheet-1"
	sheetName = "Videos"
	cellRange = "A2:L"
)

type harness struct {
	t       *testing.T
	st      *store.Store
	rows    *rowstore.Memory
	locker  lease.Locker
	sleeper *testsupport.Sleeper
	workers map[string]stage.Worker
	fakes   map[string]*testsupport.FakeWorker
	stages  []string
}

func newHarness(t *testing.T, stages ...string) *harness {
	t.Helper()
	if len(stages) == 0 {
		stages = config.CanonicalStages()
	}
	cfg := testsupport.NewConfig(t)
	locker, err := lease.NewFileLocker(filepath.Join(cfg.Paths.StateDir, "leases"))
	require.NoError(t, err)
	h := &harness{
		t:       t,
		st:      testsupport.MustOpenStore(t, cfg),
		rows:    rowstore.NewMemory(),
		locker:  locker,
		sleeper: &testsupport.Sleeper{},
		workers: map[string]stage.Worker{},
		fakes:   map[string]*testsupport.FakeWorker{},
		stages:  stages,
	}
	for _, name := range stages {
		fake := testsupport.NewFakeWorker(name)
		h.fakes[name] = fake
		h.workers[name] = fake
	}
	for row := 2; row <= 4; row++ {
		h.rows.Seed(sheetID, row, fmt.Sprintf("Video %d", row), "science", "45", "students", "TODO", "space, stars")
	}
	return h
}

func (h *harness) definitions() []stage.Definition {
	defs := make([]stage.Definition, 0, len(h.stages))
	for _, name := range h.stages {
		produces, _ := stage.ProducesFor(name)
		defs = append(defs, stage.Definition{
			Name:         name,
			Worker:       h.workers[name],
			Produces:     produces,
			MaxBatchSize: 1,
			Concurrency:  1,
			Timeout:      time.Second,
			Retry: stage.RetryPolicy{
				MaxAttempts: 3,
				BaseDelay:   10 * time.Millisecond,
				MaxDelay:    time.Second,
				Multiplier:  2,
			},
		})
	}
	return defs
}

func (h *harness) driver(opts ...pipeline.Option) *pipeline.Driver {
	h.t.Helper()
	d, err := pipeline.New(pipeline.Deps{
		Store:  h.st,
		Rows:   h.rows,
		Stages: h.definitions(),
		Dispatcher: dispatch.New(dispatch.Options{
			Recorder: h.st,
			Sleep:    h.sleeper.Sleep,
			Rand:     func() float64 { return 0 },
		}),
		Locker: h.locker,
	}, opts...)
	require.NoError(h.t, err)
	return d
}

func submitRequest() pipeline.SubmitRequest {
	return pipeline.SubmitRequest{SpreadsheetID: sheetID, SheetName: sheetName, Range: cellRange}
}

// failRow makes name fail permanently for row while fixed is false.
func (h *harness) failRow(name string, row int, fixed *atomic.Bool) {
	produces, _ := stage.ProducesFor(name)
	h.workers[name] = stage.WorkerFunc(func(_ context.Context, in stage.Input) (stage.Output, error) {
		for _, item := range in.Items {
			if item.RowIndex == row && !fixed.Load() {
				return stage.Output{}, stage.Permanent("content policy rejected row %d", row)
			}
		}
		return testsupport.Complete(in, produces, nil)
	})
}

func ledgerRows(entries []store.LedgerEntry) []int {
	rows := make([]int, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, e.RowIndex)
	}
	return rows
}

func TestRunIsolatesPermanentFailure(t *testing.T) {
	h := newHarness(t)
	h.failRow(config.StageGenerateScript, 3, new(atomic.Bool))
	d := h.driver()

	summary, err := d.Run(context.Background(), submitRequest())
	require.NoError(t, err)

	assert.Equal(t, store.RunPartiallyFailed, summary.Status)
	assert.Equal(t, []int{2, 4}, summary.Succeeded.RowIndexes())
	require.Len(t, summary.Ledger, 1)
	entry := summary.Ledger[0]
	assert.Equal(t, 3, entry.RowIndex)
	assert.Equal(t, config.StageGenerateScript, entry.Stage)
	assert.Equal(t, dispatch.ReasonPermanentError, entry.Reason)
	assert.Equal(t, string(services.KindPermanent), entry.Kind)

	for _, name := range config.CanonicalStages()[1:] {
		assert.Equal(t, []int{2, 4}, h.fakes[name].InvokedRows(), "stage %s", name)
	}
	for _, item := range summary.Succeeded {
		assert.Equal(t, workitem.StatusSucceeded, item.Status)
		assert.True(t, item.HasFlag(workitem.FlagVideoUploaded))
		assert.Equal(t, fmt.Sprintf("uploadRef-row-%d", item.RowIndex), item.UploadRef)
	}

	assert.Equal(t, rowstore.StatusDone, h.rows.Cell(sheetID, 2, rowstore.ColumnStatus))
	assert.Equal(t, "script-row-2", h.rows.Cell(sheetID, 2, rowstore.ColumnScript))
	assert.Equal(t, "videoRef-row-4", h.rows.Cell(sheetID, 4, rowstore.ColumnVideoRef))
	assert.Equal(t, rowstore.StatusFailed, h.rows.Cell(sheetID, 3, rowstore.ColumnStatus))
	assert.Contains(t, h.rows.Cell(sheetID, 3, rowstore.ColumnLastError), "GenerateScript: PermanentError")
	assert.Empty(t, h.rows.Cell(sheetID, 3, rowstore.ColumnScript))
}

func TestRunGivesEveryItemExactlyOneOutcome(t *testing.T) {
	h := newHarness(t)
	for row := 5; row <= 9; row++ {
		h.rows.Seed(sheetID, row, fmt.Sprintf("Video %d", row), "history")
	}
	h.failRow(config.StageGenerateScript, 3, new(atomic.Bool))
	h.fakes[config.StageSynthesizeSpeech].FailRows = map[int]string{6: "voice unavailable"}
	h.workers[config.StageComposeVideo] = testsupport.NewFakeWorker(config.StageComposeVideo, testsupport.Repeat(testsupport.AlwaysTransient, 3)...)
	d := h.driver()

	summary, err := d.Run(context.Background(), submitRequest())
	require.NoError(t, err)

	succeeded := summary.Succeeded.RowIndexes()
	failed := ledgerRows(summary.Ledger)
	all := append(slices.Clone(succeeded), failed...)
	slices.Sort(all)
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, all)
	for _, row := range failed {
		assert.NotContains(t, succeeded, row)
	}

	byRow := map[int]store.LedgerEntry{}
	for _, e := range summary.Ledger {
		byRow[e.RowIndex] = e
	}
	assert.Equal(t, config.StageGenerateScript, byRow[3].Stage)
	assert.Equal(t, config.StageSynthesizeSpeech, byRow[6].Stage)
	assert.Equal(t, dispatch.ReasonItemFailed, byRow[6].Reason)
	assert.Equal(t, config.StageComposeVideo, byRow[2].Stage)
	assert.Equal(t, dispatch.ReasonRetriesExhausted, byRow[2].Reason)
	assert.Equal(t, 3, byRow[2].Attempts)
}

func TestRunRetryCeilingMarksRunFailed(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	h.rows = rowstore.NewMemory()
	h.rows.Seed(sheetID, 2, "Only video", "science")
	flaky := testsupport.NewFakeWorker(config.StageGenerateScript, testsupport.Repeat(testsupport.AlwaysTransient, 5)...)
	h.workers[config.StageGenerateScript] = flaky
	d := h.driver()

	summary, err := d.Run(context.Background(), submitRequest())
	require.NoError(t, err)

	assert.Equal(t, store.RunFailed, summary.Status)
	assert.Equal(t, 3, flaky.CallCount())
	assert.Len(t, h.sleeper.Delays(), 2)
	assert.Zero(t, h.fakes[config.StageWriteScript].CallCount())
	require.Len(t, summary.Ledger, 1)
	assert.Equal(t, dispatch.ReasonRetriesExhausted, summary.Ledger[0].Reason)
	assert.Equal(t, string(services.KindTransient), summary.Ledger[0].Kind)
}

func TestResumeSkipsCheckpointedStages(t *testing.T) {
	stages := config.CanonicalStages()[:5]
	h := newHarness(t, stages...)
	errCrash := errors.New("driver crashed")
	crashing := h.driver(pipeline.WithCheckpointObserver(func(_ context.Context, cp store.Checkpoint) error {
		if cp.StageIndex == 2 {
			return errCrash
		}
		return nil
	}))

	summary, err := crashing.Run(context.Background(), submitRequest())
	require.ErrorIs(t, err, errCrash)
	runID := summary.RunID

	status, err := crashing.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, status.Status)
	assert.Equal(t, 2, status.StageIndex)
	assert.Equal(t, config.StageGenerateImage, status.StageName)
	assert.True(t, status.Resumable())

	before := map[string]int{}
	for _, name := range stages {
		before[name] = h.fakes[name].CallCount()
	}
	assert.Equal(t, 3, before[config.StageGenerateScript])
	assert.Equal(t, 3, before[config.StageWriteScript])
	assert.Zero(t, before[config.StageGenerateImage])

	resumed, err := h.driver().Execute(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, 2, resumed.StartStage)
	assert.Equal(t, store.RunSucceeded, resumed.Status)
	assert.Equal(t, []int{2, 3, 4}, resumed.Succeeded.RowIndexes())

	assert.Equal(t, before[config.StageGenerateScript], h.fakes[config.StageGenerateScript].CallCount())
	assert.Equal(t, before[config.StageWriteScript], h.fakes[config.StageWriteScript].CallCount())
	for _, name := range stages[2:] {
		assert.Equal(t, 3, h.fakes[name].CallCount(), "stage %s", name)
	}
	for _, call := range h.fakes[config.StageGenerateImage].Calls() {
		for _, item := range call.Items {
			assert.Equal(t, fmt.Sprintf("script-row-%d", item.RowIndex), item.Script)
			assert.True(t, item.HasFlag(workitem.FlagScriptWritten))
		}
	}
}

func TestSubmitAbortsWhenRowStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.rows.FailReads(errors.New("quota exceeded"))
	d := h.driver()

	summary, err := d.Run(context.Background(), submitRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrInfrastructure)
	assert.Equal(t, store.RunAborted, summary.Status)
	require.NotEmpty(t, summary.RunID)

	status, err := d.Status(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunAborted, status.Status)
	assert.Contains(t, status.Error, "quota exceeded")
	for _, fake := range h.fakes {
		assert.Zero(t, fake.CallCount())
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	d := newHarness(t).driver()
	_, err := d.Submit(context.Background(), pipeline.SubmitRequest{SpreadsheetID: sheetID, SheetName: sheetName})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)
	assert.Contains(t, err.Error(), "Range")
}

func TestSubmitMarksRowsProcessing(t *testing.T) {
	h := newHarness(t)
	h.rows.Seed(sheetID, 5, "Done already", "science", "", "", "DONE")
	h.rows.Seed(sheetID, 6, "", "no title")
	d := h.driver()

	runID, err := d.Submit(context.Background(), submitRequest())
	require.NoError(t, err)

	status, err := d.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPending, status.Status)
	assert.Equal(t, 3, status.Surviving)
	assert.Equal(t, config.CanonicalStages(), status.Stages)
	for row := 2; row <= 4; row++ {
		assert.Equal(t, rowstore.StatusProcessing, h.rows.Cell(sheetID, row, rowstore.ColumnStatus))
	}
	assert.Equal(t, "DONE", h.rows.Cell(sheetID, 5, rowstore.ColumnStatus))
}

func TestExecuteCancellationAbortsAndResumes(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	ctx, cancel := context.WithCancel(context.Background())
	var cancelled atomic.Bool
	produces, _ := stage.ProducesFor(config.StageGenerateScript)
	var calls atomic.Int32
	h.workers[config.StageGenerateScript] = stage.WorkerFunc(func(_ context.Context, in stage.Input) (stage.Output, error) {
		calls.Add(1)
		if cancelled.CompareAndSwap(false, true) {
			cancel()
		}
		return testsupport.Complete(in, produces, nil)
	})
	d := h.driver()

	runID, err := d.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	summary, err := d.Execute(ctx, runID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrCancelled)
	assert.Equal(t, store.RunAborted, summary.Status)
	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, h.fakes[config.StageWriteScript].CallCount())

	status, err := d.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunAborted, status.Status)
	assert.Equal(t, pipeline.PhaseAborted, status.Phase)
	assert.Equal(t, 0, status.StageIndex)

	resumed, err := d.Execute(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, resumed.Status)
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, 3, h.fakes[config.StageWriteScript].CallCount())
}

func TestExecuteRefusesHeldLease(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript)
	d := h.driver()
	ctx := context.Background()

	runID, err := d.Submit(ctx, submitRequest())
	require.NoError(t, err)
	held, err := h.locker.Acquire(ctx, runID)
	require.NoError(t, err)

	_, err = d.Execute(ctx, runID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrLeaseHeld)
	assert.Zero(t, h.fakes[config.StageGenerateScript].CallCount())

	require.NoError(t, held.Release(ctx))
	summary, err := d.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, summary.Status)
}

// scriptedLocker hands out leases whose loss the test controls. onAcquire
// runs before the lease is granted.
type scriptedLocker struct {
	onAcquire func(ctx context.Context, runID string)
	lost      chan struct{}
}

func (l *scriptedLocker) Acquire(ctx context.Context, runID string) (lease.Lease, error) {
	if l.onAcquire != nil {
		l.onAcquire(ctx, runID)
	}
	return &scriptedLease{runID: runID, lost: l.lost}, nil
}

type scriptedLease struct {
	runID string
	lost  chan struct{}
}

func (l *scriptedLease) RunID() string                 { return l.runID }
func (l *scriptedLease) Lost() <-chan struct{}         { return l.lost }
func (l *scriptedLease) Release(context.Context) error { return nil }

func TestExecuteStopsWritingWhenLeaseLost(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	locker := &scriptedLocker{lost: make(chan struct{})}
	h.locker = locker
	produces, _ := stage.ProducesFor(config.StageGenerateScript)
	var once atomic.Bool
	h.workers[config.StageGenerateScript] = stage.WorkerFunc(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		if once.CompareAndSwap(false, true) {
			close(locker.lost)
			<-ctx.Done()
		}
		return testsupport.Complete(in, produces, nil)
	})
	d := h.driver()

	runID, err := d.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	writesBefore := len(h.rows.Writes())

	summary, err := d.Execute(context.Background(), runID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrLeaseHeld)
	assert.Contains(t, err.Error(), "was lost")
	assert.Equal(t, store.RunRunning, summary.Status)
	assert.Zero(t, h.fakes[config.StageWriteScript].CallCount())
	assert.Len(t, h.rows.Writes(), writesBefore)

	status, err := d.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, status.Status)
	assert.Equal(t, 0, status.StageIndex)
}

func TestExecuteRechecksRunAfterAcquiringLease(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript)
	h.locker = &scriptedLocker{onAcquire: func(ctx context.Context, runID string) {
		// Another driver finishes the run while this one waits for the lease.
		run, err := h.st.GetRun(ctx, runID)
		require.NoError(t, err)
		run.Status = store.RunSucceeded
		require.NoError(t, h.st.UpdateRun(ctx, run))
	}}
	d := h.driver()

	runID, err := d.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	writesBefore := len(h.rows.Writes())

	summary, err := d.Execute(context.Background(), runID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)
	assert.Equal(t, store.RunSucceeded, summary.Status)
	assert.Zero(t, h.fakes[config.StageGenerateScript].CallCount())
	assert.Len(t, h.rows.Writes(), writesBefore)
}

func TestExecuteAbortReportsLedgerSoFar(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	h.failRow(config.StageGenerateScript, 3, new(atomic.Bool))
	produces, _ := stage.ProducesFor(config.StageWriteScript)
	h.workers[config.StageWriteScript] = stage.WorkerFunc(func(_ context.Context, in stage.Input) (stage.Output, error) {
		h.rows.FailWrites(errors.New("sheets unavailable"))
		return testsupport.Complete(in, produces, nil)
	})
	d := h.driver()

	summary, err := d.Run(context.Background(), submitRequest())
	require.Error(t, err)
	assert.Equal(t, store.RunAborted, summary.Status)
	assert.Equal(t, []int{3}, ledgerRows(summary.Ledger))

	status, err := d.Status(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunAborted, status.Status)
	assert.Len(t, status.Ledger, len(summary.Ledger))
}

func TestExecuteRejectsFinishedRun(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript)
	d := h.driver()
	summary, err := d.Run(context.Background(), submitRequest())
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), summary.RunID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)
	assert.Equal(t, 3, h.fakes[config.StageGenerateScript].CallCount())
}

func TestExecuteRejectsChangedStageList(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	runID, err := h.driver().Submit(context.Background(), submitRequest())
	require.NoError(t, err)

	h.stages = []string{config.StageGenerateScript}
	_, err = h.driver().Execute(context.Background(), runID)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrConfiguration)
}

func TestExecuteFailsItemsMissingUpstreamOutput(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	d := h.driver()
	ctx := context.Background()
	runID, err := d.Submit(ctx, submitRequest())
	require.NoError(t, err)

	broken := testsupport.Items(2, 3)
	broken[1] = testsupport.Produce(broken[1], stage.Produces{Fields: []workitem.Field{workitem.FieldScript}})
	broken[1].MarkFlag(workitem.FlagScriptGenerated)
	require.NoError(t, h.st.SaveCheckpoint(ctx, &store.Checkpoint{RunID: runID, StageIndex: 1, Surviving: broken, CreatedAt: time.Now().UTC()}))

	summary, err := d.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartiallyFailed, summary.Status)
	assert.Equal(t, []int{3}, summary.Succeeded.RowIndexes())
	require.Len(t, summary.Ledger, 1)
	assert.Equal(t, 2, summary.Ledger[0].RowIndex)
	assert.Equal(t, config.StageWriteScript, summary.Ledger[0].Stage)
	assert.Equal(t, workitem.ReasonMissingInput, summary.Ledger[0].Reason)
	assert.Equal(t, string(services.KindPrecondition), summary.Ledger[0].Kind)
	assert.Equal(t, []int{3}, h.fakes[config.StageWriteScript].InvokedRows())
}

func TestRetryFailedResubmitsLedgerRows(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	var fixed atomic.Bool
	h.failRow(config.StageGenerateScript, 3, &fixed)
	d := h.driver()
	ctx := context.Background()

	first, err := d.Run(ctx, submitRequest())
	require.NoError(t, err)
	require.Equal(t, store.RunPartiallyFailed, first.Status)

	fixed.Store(true)
	retryID, err := d.RetryFailed(ctx, first.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, retryID)

	summary, err := d.Execute(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, summary.Status)
	assert.Equal(t, []int{3}, summary.Succeeded.RowIndexes())
	assert.Equal(t, rowstore.StatusDone, h.rows.Cell(sheetID, 3, rowstore.ColumnStatus))
	assert.Empty(t, h.rows.Cell(sheetID, 3, rowstore.ColumnLastError))

	status, err := d.Status(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, status.ParentRunID)

	_, err = d.RetryFailed(ctx, retryID)
	assert.ErrorIs(t, err, services.ErrValidation)
}

func TestStatusReportsCompletedRun(t *testing.T) {
	h := newHarness(t, config.StageGenerateScript, config.StageWriteScript)
	h.failRow(config.StageWriteScript, 4, new(atomic.Bool))
	d := h.driver()

	summary, err := d.Run(context.Background(), submitRequest())
	require.NoError(t, err)

	status, err := d.Status(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartiallyFailed, status.Status)
	assert.Equal(t, pipeline.PhaseCompleted, status.Phase)
	assert.Equal(t, 2, status.StageIndex)
	assert.Empty(t, status.StageName)
	assert.Equal(t, 2, status.Surviving)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, []int{4}, ledgerRows(status.Ledger))
	assert.False(t, status.Resumable())
	assert.False(t, status.CompletedAt.IsZero())
}

func TestStatusUnknownRun(t *testing.T) {
	_, err := newHarness(t).driver().Status(context.Background(), "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}
