package stage

import (
	"context"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// RunContext identifies the run a sub-batch belongs to. Workers use
// (RunID, Stage, rowIndex) as their deduplication key.
type RunContext struct {
	RunID         string `json:"runId"`
	SpreadsheetID string `json:"spreadsheetId"`
	SheetName     string `json:"sheetName,omitempty"`
	Stage         string `json:"stage,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

// Input is the batch-shaped payload sent to a worker.
type Input struct {
	Items      []workitem.Item `json:"items"`
	RunContext RunContext      `json:"runContext"`
}

// ItemFailure reports a per-item failure inside an otherwise answered call.
type ItemFailure struct {
	RowIndex  int    `json:"rowIndex"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Output is the worker response. A non-200 StatusCode without Failures is a
// whole sub-batch failure.
type Output struct {
	StatusCode int             `json:"statusCode"`
	Items      []workitem.Item `json:"items,omitempty"`
	Failures   []ItemFailure   `json:"failures,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Worker is the capability every stage implementation provides. Invoke must be
// idempotent per item for a given RunContext.
type Worker interface {
	Invoke(ctx context.Context, in Input) (Output, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, in Input) (Output, error)

// Invoke calls f.
func (f WorkerFunc) Invoke(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// HealthChecker is implemented by workers that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}
