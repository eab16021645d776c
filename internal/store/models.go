package store

import (
	"time"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// RunStatus is the persisted lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
	RunAborted         RunStatus = "aborted"
)

// Terminal reports whether no further stage will execute without an
// explicit resume.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartiallyFailed, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}

// Run is one traversal of the configured stages for one batch.
type Run struct {
	ID            string
	ParentRunID   string
	SpreadsheetID string
	SheetName     string
	Range         string
	RowFilter     []int
	Stages        []string
	StageIndex    int
	Status        RunStatus
	Phase         string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   time.Time
}

// CurrentStage returns the name of the stage the run points at, or "" once
// the pointer has passed the last stage.
func (r *Run) CurrentStage() string {
	if r == nil || r.StageIndex < 0 || r.StageIndex >= len(r.Stages) {
		return ""
	}
	return r.Stages[r.StageIndex]
}

// LedgerEntry records the single failing stage of an item.
type LedgerEntry struct {
	RowIndex int `json:"rowIndex"`
	workitem.Failure
}

// Checkpoint is the resumable state at a stage boundary: the items that will
// enter StageIndex and the failures accumulated so far.
type Checkpoint struct {
	ID         int64
	RunID      string
	StageIndex int
	Surviving  workitem.Batch
	Ledger     []LedgerEntry
	CreatedAt  time.Time
}

// Outcome classifies one sub-batch attempt.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomePartial          Outcome = "partial"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeTimeout          Outcome = "timeout"
)

// ExecutionRecord is the immutable audit entry for one sub-batch attempt.
// Snapshots hold JSON, or a blob reference when offloaded.
type ExecutionRecord struct {
	ID             int64
	RunID          string
	Stage          string
	StageIndex     int
	SubBatch       int
	Attempt        int
	Outcome        Outcome
	InputSnapshot  string
	OutputSnapshot string
	FailureDetail  string
	SucceededRows  []int
	FailedRows     []int
	StartedAt      time.Time
	EndedAt        time.Time
}
