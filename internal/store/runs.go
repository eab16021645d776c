package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runColumns = "id, parent_run_id, spreadsheet_id, sheet_name, cell_range, row_filter_json, stages_json, stage_index, status, phase, error_message, created_at, updated_at, completed_at"

// CreateRun inserts a new run. CreatedAt and UpdatedAt default to now.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("create run: id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = RunPending
	}
	stages, err := encodeJSON(run.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	var filter any
	if len(run.RowFilter) > 0 {
		encoded, err := encodeJSON(run.RowFilter)
		if err != nil {
			return fmt.Errorf("encode row filter: %w", err)
		}
		filter = encoded
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		nullableString(run.ParentRunID),
		run.SpreadsheetID,
		run.SheetName,
		run.Range,
		filter,
		stages,
		run.StageIndex,
		string(run.Status),
		run.Phase,
		nullableString(run.ErrorMessage),
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
		nullableTime(run.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// UpdateRun persists the mutable run fields: stage pointer, status, phase,
// error and completion time.
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET stage_index = ?, status = ?, phase = ?, error_message = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		run.StageIndex,
		string(run.Status),
		run.Phase,
		nullableString(run.ErrorMessage),
		formatTime(run.UpdatedAt),
		nullableTime(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("run", run.ID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run          Run
		parentRunID  sql.NullString
		rowFilter    sql.NullString
		stagesRaw    sql.NullString
		status       string
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&parentRunID,
		&run.SpreadsheetID,
		&run.SheetName,
		&run.Range,
		&rowFilter,
		&stagesRaw,
		&run.StageIndex,
		&status,
		&run.Phase,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}
	stages, err := decodeJSON[[]string](stagesRaw, nil)
	if err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	filter, err := decodeJSON[[]int](rowFilter, nil)
	if err != nil {
		return nil, fmt.Errorf("decode row filter: %w", err)
	}
	run.ParentRunID = parentRunID.String
	run.RowFilter = filter
	run.Stages = stages
	run.Status = RunStatus(status)
	run.ErrorMessage = errorMessage.String
	run.CreatedAt = parseTimeString(createdRaw)
	run.UpdatedAt = parseTimeString(updatedRaw)
	run.CompletedAt = parseTimeString(completedRaw)
	return &run, nil
}
