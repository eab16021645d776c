package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// SubmitRequest starts a run over the rows of one sheet range.
type SubmitRequest struct {
	SpreadsheetID string `validate:"required"`
	SheetName     string `validate:"required"`
	Range         string `validate:"required"`
	// Rows restricts the run to these sheet rows.
	Rows        []int `validate:"omitempty,dive,gte=1"`
	ParentRunID string
}

// Submit reads the batch, persists the run with its Pending(0) checkpoint and
// marks the ingested rows as processing. A row store failure leaves an
// aborted run behind and returns its ID with the error.
func (d *Driver) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := d.validate.Struct(req); err != nil {
		return "", services.Wrap(services.ErrValidation, "pipeline", "submit", describeValidation(err), err)
	}
	run := &store.Run{
		ID:            d.newID(),
		ParentRunID:   req.ParentRunID,
		SpreadsheetID: req.SpreadsheetID,
		SheetName:     req.SheetName,
		Range:         req.Range,
		RowFilter:     append([]int(nil), req.Rows...),
		Stages:        d.Stages(),
		Status:        store.RunPending,
		Phase:         PhasePending,
		CreatedAt:     d.now().UTC(),
	}
	ctx = services.WithRunID(ctx, run.ID)
	logger := logging.WithContext(ctx, d.logger)

	rows, readErr := d.rows.Read(ctx, run.SpreadsheetID, rowstore.QualifiedRange(run.SheetName, run.Range))
	if readErr != nil {
		readErr = ensureInfrastructure(readErr, "read rows")
		run.Status = store.RunAborted
		run.Phase = PhaseAborted
		run.ErrorMessage = readErr.Error()
		if err := d.store.CreateRun(ctx, run); err != nil {
			return "", errors.Join(readErr, err)
		}
		logging.ErrorWithContext(logger, "row store unavailable; run aborted", "run_aborted",
			logging.Alert("row_store_unavailable"),
			logging.Error(readErr),
		)
		return run.ID, readErr
	}

	batch, skipped := rowstore.ParseItems(rows, rowstore.ParseOptions{Only: req.Rows}, logger)
	for i := range batch {
		batch[i].ResetForRetry()
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return "", services.Wrap(services.ErrInfrastructure, "pipeline", "create run", "state store unavailable", err)
	}
	if err := d.store.SaveCheckpoint(ctx, &store.Checkpoint{RunID: run.ID, StageIndex: 0, Surviving: batch, CreatedAt: d.now().UTC()}); err != nil {
		return run.ID, d.abort(ctx, run, services.Wrap(services.ErrInfrastructure, "pipeline", "save checkpoint", "state store unavailable", err))
	}
	for _, item := range batch {
		if err := d.rows.Write(ctx, run.SpreadsheetID, run.SheetName, item.RowIndex, map[rowstore.Column]string{
			rowstore.ColumnStatus:    rowstore.StatusProcessing,
			rowstore.ColumnLastError: "",
		}); err != nil {
			return run.ID, d.abort(ctx, run, ensureInfrastructure(err, "mark rows processing"))
		}
	}

	logger.Info("run submitted",
		logging.String(logging.FieldEventType, "run_submitted"),
		logging.String("spreadsheet_id", run.SpreadsheetID),
		logging.String("range", rowstore.QualifiedRange(run.SheetName, run.Range)),
		logging.Int("items", len(batch)),
		logging.Int("skipped_rows", len(skipped)),
		logging.String("parent_run_id", run.ParentRunID),
	)
	return run.ID, nil
}

// Run submits req and executes the new run.
func (d *Driver) Run(ctx context.Context, req SubmitRequest) (Summary, error) {
	runID, err := d.Submit(ctx, req)
	if err != nil {
		return Summary{RunID: runID, Status: store.RunAborted}, err
	}
	return d.Execute(ctx, runID)
}

// RetryFailed submits a new run over the ledger rows of a finished run. The
// rows are re-read from the row store so corrected inputs are picked up.
func (d *Driver) RetryFailed(ctx context.Context, runID string) (string, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	switch run.Status {
	case store.RunPartiallyFailed, store.RunFailed:
	default:
		return "", services.Wrap(services.ErrValidation, "pipeline", "retry failed rows",
			fmt.Sprintf("run %s is %s; only partially_failed or failed runs can be retried", run.ID, run.Status), nil)
	}
	cp, err := d.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return "", err
	}
	rows := make([]int, 0, len(cp.Ledger))
	for _, entry := range cp.Ledger {
		rows = append(rows, entry.RowIndex)
	}
	if len(rows) == 0 {
		return "", services.Wrap(services.ErrValidation, "pipeline", "retry failed rows", "failure ledger is empty", nil)
	}
	return d.Submit(ctx, SubmitRequest{
		SpreadsheetID: run.SpreadsheetID,
		SheetName:     run.SheetName,
		Range:         run.Range,
		Rows:          rows,
		ParentRunID:   run.ID,
	})
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid submit request"
	}
	fe := verrs[0]
	return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
}

func ensureInfrastructure(err error, operation string) error {
	if errors.Is(err, services.ErrInfrastructure) {
		return err
	}
	return services.Wrap(services.ErrInfrastructure, "pipeline", operation, "dependency unavailable", err)
}

func ledgerEntry(item workitem.Item, failure workitem.Failure) store.LedgerEntry {
	return store.LedgerEntry{RowIndex: item.RowIndex, Failure: failure}
}
