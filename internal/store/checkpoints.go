package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// SaveCheckpoint appends a stage-boundary checkpoint. Checkpoints are never
// rewritten; the latest one is the resume point.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	surviving := cp.Surviving
	if surviving == nil {
		surviving = workitem.Batch{}
	}
	ledger := cp.Ledger
	if ledger == nil {
		ledger = []LedgerEntry{}
	}
	survivingJSON, err := encodeJSON(surviving)
	if err != nil {
		return fmt.Errorf("encode surviving batch: %w", err)
	}
	ledgerJSON, err := encodeJSON(ledger)
	if err != nil {
		return fmt.Errorf("encode failure ledger: %w", err)
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO checkpoints (run_id, stage_index, surviving_json, ledger_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.StageIndex, survivingJSON, ledgerJSON, formatTime(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		cp.ID = id
	}
	return nil
}

// LatestCheckpoint returns the most recently written checkpoint for runID.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, run_id, stage_index, surviving_json, ledger_json, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID)
	var (
		cp            Checkpoint
		survivingJSON sql.NullString
		ledgerJSON    sql.NullString
		createdRaw    sql.NullString
	)
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.StageIndex, &survivingJSON, &ledgerJSON, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("checkpoint for run", runID)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	surviving, err := decodeJSON[workitem.Batch](survivingJSON, workitem.Batch{})
	if err != nil {
		return nil, fmt.Errorf("decode surviving batch: %w", err)
	}
	ledger, err := decodeJSON[[]LedgerEntry](ledgerJSON, nil)
	if err != nil {
		return nil, fmt.Errorf("decode failure ledger: %w", err)
	}
	cp.Surviving = surviving
	cp.Ledger = ledger
	cp.CreatedAt = parseTimeString(createdRaw)
	return &cp, nil
}
