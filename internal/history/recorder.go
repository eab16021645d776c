package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/blobstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

// Appender is the durable sink for execution records.
type Appender interface {
	AppendExecution(ctx context.Context, rec *store.ExecutionRecord) error
}

// Recorder appends execution records, offloading snapshots larger than the
// threshold to the blob store. A nil blob store or a non-positive threshold
// keeps every snapshot inline.
type Recorder struct {
	sink      Appender
	blobs     blobstore.Store
	threshold int
	logger    *slog.Logger
}

// NewRecorder wraps sink.
func NewRecorder(sink Appender, blobs blobstore.Store, threshold int, logger *slog.Logger) *Recorder {
	return &Recorder{
		sink:      sink,
		blobs:     blobs,
		threshold: threshold,
		logger:    logging.NewComponentLogger(logger, "history"),
	}
}

// AppendExecution offloads oversized snapshots then appends rec.
func (r *Recorder) AppendExecution(ctx context.Context, rec *store.ExecutionRecord) error {
	if rec == nil {
		return nil
	}
	input, err := r.offload(ctx, rec, "input", rec.InputSnapshot)
	if err != nil {
		return err
	}
	output, err := r.offload(ctx, rec, "output", rec.OutputSnapshot)
	if err != nil {
		return err
	}
	rec.InputSnapshot = input
	rec.OutputSnapshot = output
	return r.sink.AppendExecution(ctx, rec)
}

func (r *Recorder) offload(ctx context.Context, rec *store.ExecutionRecord, kind, snapshot string) (string, error) {
	if r.blobs == nil || r.threshold <= 0 || len(snapshot) <= r.threshold {
		return snapshot, nil
	}
	key := fmt.Sprintf("%s/%s/sub%03d-attempt%02d-%s.json", rec.RunID, rec.Stage, rec.SubBatch, rec.Attempt, kind)
	ref, err := r.blobs.Put(ctx, key, []byte(snapshot))
	if err != nil {
		return "", services.Wrap(services.ErrInfrastructure, rec.Stage, "offload snapshot", "blob store unavailable", err)
	}
	r.logger.Debug("snapshot offloaded",
		logging.String(logging.FieldEventType, "snapshot_offloaded"),
		logging.String(logging.FieldRunID, rec.RunID),
		logging.String(logging.FieldStage, rec.Stage),
		logging.Int("bytes", len(snapshot)),
		logging.String("ref", ref),
	)
	return ref, nil
}
