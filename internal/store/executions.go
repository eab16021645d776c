package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const executionColumns = "id, run_id, stage, stage_index, sub_batch, attempt, outcome, input_snapshot, output_snapshot, failure_detail, succeeded_rows_json, failed_rows_json, started_at, ended_at"

// AppendExecution writes one immutable execution record and assigns its ID.
// Safe for concurrent use.
func (s *Store) AppendExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = rec.StartedAt
	}
	succeeded := rec.SucceededRows
	if succeeded == nil {
		succeeded = []int{}
	}
	failed := rec.FailedRows
	if failed == nil {
		failed = []int{}
	}
	succeededJSON, err := encodeJSON(succeeded)
	if err != nil {
		return fmt.Errorf("encode succeeded rows: %w", err)
	}
	failedJSON, err := encodeJSON(failed)
	if err != nil {
		return fmt.Errorf("encode failed rows: %w", err)
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO execution_records (run_id, stage, stage_index, sub_batch, attempt, outcome, input_snapshot, output_snapshot, failure_detail, succeeded_rows_json, failed_rows_json, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.Stage,
		rec.StageIndex,
		rec.SubBatch,
		rec.Attempt,
		string(rec.Outcome),
		nullableString(rec.InputSnapshot),
		nullableString(rec.OutputSnapshot),
		nullableString(rec.FailureDetail),
		succeededJSON,
		failedJSON,
		formatTime(rec.StartedAt),
		formatTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListExecutions returns records for runID ordered by attempt start time.
// An empty stage returns every stage.
func (s *Store) ListExecutions(ctx context.Context, runID, stage string) ([]ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE run_id = ?`
	args := []any{runID}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	query += ` ORDER BY started_at ASC, id ASC`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (ExecutionRecord, error) {
	var (
		rec           ExecutionRecord
		outcome       string
		input         sql.NullString
		output        sql.NullString
		failure       sql.NullString
		succeededJSON sql.NullString
		failedJSON    sql.NullString
		startedRaw    sql.NullString
		endedRaw      sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.Stage,
		&rec.StageIndex,
		&rec.SubBatch,
		&rec.Attempt,
		&outcome,
		&input,
		&output,
		&failure,
		&succeededJSON,
		&failedJSON,
		&startedRaw,
		&endedRaw,
	); err != nil {
		return ExecutionRecord{}, err
	}
	succeeded, err := decodeJSON[[]int](succeededJSON, nil)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("decode succeeded rows: %w", err)
	}
	failed, err := decodeJSON[[]int](failedJSON, nil)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("decode failed rows: %w", err)
	}
	rec.Outcome = Outcome(outcome)
	rec.InputSnapshot = input.String
	rec.OutputSnapshot = output.String
	rec.FailureDetail = failure.String
	rec.SucceededRows = succeeded
	rec.FailedRows = failed
	rec.StartedAt = parseTimeString(startedRaw)
	rec.EndedAt = parseTimeString(endedRaw)
	return rec, nil
}
