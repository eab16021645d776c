package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

// RunStatus is the operator view of one run.
type RunStatus struct {
	RunID       string
	ParentRunID string
	Status      store.RunStatus
	Phase       string
	StageIndex  int
	// StageName is empty once every stage has run.
	StageName   string
	Stages      []string
	Surviving   int
	Failed      int
	Ledger      []store.LedgerEntry
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Resumable reports whether Execute would pick the run up again.
func (s RunStatus) Resumable() bool {
	switch s.Status {
	case store.RunPending, store.RunRunning, store.RunAborted:
		return true
	}
	return false
}

// Status reports the persisted state of runID.
func (d *Driver) Status(ctx context.Context, runID string) (RunStatus, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	report := RunStatus{
		RunID:       run.ID,
		ParentRunID: run.ParentRunID,
		Status:      run.Status,
		Phase:       run.Phase,
		StageIndex:  run.StageIndex,
		StageName:   run.CurrentStage(),
		Stages:      append([]string(nil), run.Stages...),
		Error:       run.ErrorMessage,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		CompletedAt: run.CompletedAt,
	}
	cp, err := d.store.LatestCheckpoint(ctx, runID)
	switch {
	case errors.Is(err, services.ErrNotFound):
		return report, nil
	case err != nil:
		return report, err
	}
	report.Surviving = len(cp.Surviving)
	report.Failed = len(cp.Ledger)
	report.Ledger = cp.Ledger
	return report, nil
}
