package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/history"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type ledgerJSON struct {
	RowIndex int    `json:"rowIndex"`
	Stage    string `json:"stage"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type summaryJSON struct {
	RunID      string       `json:"runId"`
	Status     string       `json:"status"`
	Succeeded  []int        `json:"succeededRows"`
	Ledger     []ledgerJSON `json:"failureLedger"`
	Resumed    bool         `json:"resumed"`
	StartStage int          `json:"startStage"`
	DurationMS int64        `json:"durationMs"`
}

type statusJSON struct {
	RunID       string       `json:"runId"`
	ParentRunID string       `json:"parentRunId,omitempty"`
	Status      string       `json:"status"`
	Phase       string       `json:"phase"`
	StageIndex  int          `json:"stageIndex"`
	StageName   string       `json:"stageName,omitempty"`
	Stages      []string     `json:"stages"`
	Surviving   int          `json:"surviving"`
	Failed      int          `json:"failed"`
	Ledger      []ledgerJSON `json:"failureLedger"`
	Error       string       `json:"error,omitempty"`
	Resumable   bool         `json:"resumable"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

type executionJSON struct {
	Stage         string    `json:"stage"`
	StageIndex    int       `json:"stageIndex"`
	SubBatch      int       `json:"subBatch"`
	Attempt       int       `json:"attempt"`
	Outcome       string    `json:"outcome"`
	SucceededRows []int     `json:"succeededRows"`
	FailedRows    []int     `json:"failedRows"`
	FailureDetail string    `json:"failureDetail,omitempty"`
	Output        string    `json:"output,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
}

type stopPointJSON struct {
	RowIndex           int    `json:"rowIndex"`
	Completed          bool   `json:"completed"`
	LastSucceededStage string `json:"lastSucceededStage,omitempty"`
	StoppedStage       string `json:"stoppedStage,omitempty"`
	Attempts           int    `json:"attempts,omitempty"`
	Reason             string `json:"reason,omitempty"`
	FailureDetail      string `json:"failureDetail,omitempty"`
}

func ledgerView(entries []store.LedgerEntry) []ledgerJSON {
	out := make([]ledgerJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerJSON{
			RowIndex: e.RowIndex,
			Stage:    e.Stage,
			Kind:     e.Kind,
			Reason:   e.Reason,
			Message:  e.Message,
			Attempts: e.Attempts,
		})
	}
	return out
}

func summaryView(s pipeline.Summary) summaryJSON {
	succeeded := s.Succeeded.RowIndexes()
	if succeeded == nil {
		succeeded = []int{}
	}
	return summaryJSON{
		RunID:      s.RunID,
		Status:     string(s.Status),
		Succeeded:  succeeded,
		Ledger:     ledgerView(s.Ledger),
		Resumed:    s.Resumed,
		StartStage: s.StartStage,
		DurationMS: s.Duration.Milliseconds(),
	}
}

func statusView(s pipeline.RunStatus) statusJSON {
	view := statusJSON{
		RunID:       s.RunID,
		ParentRunID: s.ParentRunID,
		Status:      string(s.Status),
		Phase:       s.Phase,
		StageIndex:  s.StageIndex,
		StageName:   s.StageName,
		Stages:      s.Stages,
		Surviving:   s.Surviving,
		Failed:      s.Failed,
		Ledger:      ledgerView(s.Ledger),
		Error:       s.Error,
		Resumable:   s.Resumable(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if !s.CompletedAt.IsZero() {
		completed := s.CompletedAt
		view.CompletedAt = &completed
	}
	return view
}

func executionView(rec store.ExecutionRecord, output string) executionJSON {
	return executionJSON{
		Stage:         rec.Stage,
		StageIndex:    rec.StageIndex,
		SubBatch:      rec.SubBatch,
		Attempt:       rec.Attempt,
		Outcome:       string(rec.Outcome),
		SucceededRows: nonNil(rec.SucceededRows),
		FailedRows:    nonNil(rec.FailedRows),
		FailureDetail: rec.FailureDetail,
		Output:        output,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
	}
}

func stopPointView(p history.StopPoint) stopPointJSON {
	return stopPointJSON{
		RowIndex:           p.RowIndex,
		Completed:          p.Completed,
		LastSucceededStage: p.LastSucceededStage,
		StoppedStage:       p.StoppedStage,
		Attempts:           p.Attempts,
		Reason:             p.Reason,
		FailureDetail:      p.FailureDetail,
	}
}

func nonNil(rows []int) []int {
	if rows == nil {
		return []int{}
	}
	return rows
}
