package history

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/blobstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

// Reader is the read side of the state store used for diagnostics.
type Reader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	LatestCheckpoint(ctx context.Context, runID string) (*store.Checkpoint, error)
	ListExecutions(ctx context.Context, runID, stage string) ([]store.ExecutionRecord, error)
}

// Service answers history queries.
type Service struct {
	reader Reader
	blobs  blobstore.Store
}

// NewService builds a Service. blobs may be nil when nothing was offloaded.
func NewService(reader Reader, blobs blobstore.Store) *Service {
	return &Service{reader: reader, blobs: blobs}
}

// StageOutput is what a stage returned for a run.
type StageOutput struct {
	RunID string
	Stage string
	// Latest is the most recently started attempt of any sub-batch.
	Latest store.ExecutionRecord
	// SubBatches holds the final attempt of each sub-batch, by sub-batch.
	SubBatches []store.ExecutionRecord
}

// StopPoint locates where a row stopped progressing through a run.
type StopPoint struct {
	RowIndex int
	// LastSucceededStage is empty when the row never completed a stage.
	LastSucceededStage string
	LastSucceededIndex int
	// StoppedStage is the stage after LastSucceededStage; empty when the
	// row completed every stage.
	StoppedStage  string
	StoppedIndex  int
	Attempts      int
	Reason        string
	FailureDetail string
	Completed     bool
}

// StageOutput returns the most recent attempt of stage for runID.
func (s *Service) StageOutput(ctx context.Context, runID, stage string) (StageOutput, error) {
	records, err := s.reader.ListExecutions(ctx, runID, stage)
	if err != nil {
		return StageOutput{}, err
	}
	if len(records) == 0 {
		return StageOutput{}, fmt.Errorf("no executions of %s in run %s: %w", stage, runID, services.ErrNotFound)
	}
	out := StageOutput{RunID: runID, Stage: stage, Latest: records[len(records)-1]}
	last := map[int]store.ExecutionRecord{}
	for _, rec := range records {
		if prev, ok := last[rec.SubBatch]; !ok || rec.Attempt >= prev.Attempt {
			last[rec.SubBatch] = rec
		}
	}
	for _, rec := range last {
		out.SubBatches = append(out.SubBatches, rec)
	}
	slices.SortFunc(out.SubBatches, func(a, b store.ExecutionRecord) int { return a.SubBatch - b.SubBatch })
	return out, nil
}

// WhereStopped finds the highest stage in which row succeeded and reports
// the failure recorded for it in the following stage.
func (s *Service) WhereStopped(ctx context.Context, runID string, row int) (StopPoint, error) {
	run, err := s.reader.GetRun(ctx, runID)
	if err != nil {
		return StopPoint{}, err
	}
	records, err := s.reader.ListExecutions(ctx, runID, "")
	if err != nil {
		return StopPoint{}, err
	}

	point := StopPoint{RowIndex: row, LastSucceededIndex: -1}
	seen := false
	for _, rec := range records {
		if slices.Contains(rec.SucceededRows, row) || slices.Contains(rec.FailedRows, row) {
			seen = true
		}
		if slices.Contains(rec.SucceededRows, row) && rec.StageIndex > point.LastSucceededIndex {
			point.LastSucceededIndex = rec.StageIndex
			point.LastSucceededStage = rec.Stage
		}
	}
	if !seen {
		return StopPoint{}, fmt.Errorf("row %d in run %s: %w", row, runID, services.ErrNotFound)
	}

	next := point.LastSucceededIndex + 1
	if next >= len(run.Stages) {
		point.Completed = true
		point.StoppedIndex = len(run.Stages)
		return point, nil
	}
	point.StoppedIndex = next
	point.StoppedStage = run.Stages[next]
	for _, rec := range records {
		if rec.StageIndex != next || !slices.Contains(rec.FailedRows, row) {
			continue
		}
		point.Attempts = max(point.Attempts, rec.Attempt)
		point.FailureDetail = rec.FailureDetail
	}

	cp, err := s.reader.LatestCheckpoint(ctx, runID)
	switch {
	case errors.Is(err, services.ErrNotFound):
	case err != nil:
		return StopPoint{}, err
	default:
		for _, entry := range cp.Ledger {
			if entry.RowIndex == row {
				point.StoppedStage = entry.Stage
				point.Reason = entry.Reason
				point.Attempts = entry.Attempts
				point.FailureDetail = entry.Message
				break
			}
		}
	}
	return point, nil
}

// Timeline returns every record of a run in start order.
func (s *Service) Timeline(ctx context.Context, runID string) ([]store.ExecutionRecord, error) {
	return s.reader.ListExecutions(ctx, runID, "")
}

// Snapshot returns the snapshot content, fetching it from the blob store when
// value is a reference.
func (s *Service) Snapshot(ctx context.Context, value string) (string, error) {
	if !blobstore.IsRef(value) {
		return value, nil
	}
	if s.blobs == nil {
		return "", services.Wrap(services.ErrConfiguration, "history", "resolve snapshot", "snapshot is offloaded but no blob store is configured", nil)
	}
	data, err := s.blobs.Get(ctx, value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
