package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		spreadsheetID string
		sheetName     string
		cellRange     string
		rows          []int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit the pending spreadsheet rows and run every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				req := pipeline.SubmitRequest{
					SpreadsheetID: firstNonEmpty(spreadsheetID, a.cfg.Sheets.SpreadsheetID),
					SheetName:     firstNonEmpty(sheetName, a.cfg.Sheets.SheetName),
					Range:         firstNonEmpty(cellRange, a.cfg.Sheets.Range),
					Rows:          rows,
				}
				summary, err := a.driver.Run(cmd.Context(), req)
				return ctx.finishRun(cmd, summary, err)
			})
		},
	}
	cmd.Flags().StringVar(&spreadsheetID, "spreadsheet", "", "Spreadsheet ID (defaults to sheets.spreadsheet_id)")
	cmd.Flags().StringVar(&sheetName, "sheet", "", "Sheet name (defaults to sheets.sheet_name)")
	cmd.Flags().StringVar(&cellRange, "range", "", "A1 range of candidate rows (defaults to sheets.range)")
	cmd.Flags().IntSliceVar(&rows, "rows", nil, "Only ingest these sheet rows")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				summary, err := a.driver.Execute(cmd.Context(), strings.TrimSpace(args[0]))
				return ctx.finishRun(cmd, summary, err)
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var submitOnly bool
	cmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Start a new run over the failed rows of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				runID, err := a.driver.RetryFailed(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if submitOnly {
					if ctx.jsonFlag {
						return writeJSON(cmd, map[string]string{"runId": runID})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Submitted run %s\n", runID)
					return nil
				}
				summary, err := a.driver.Execute(cmd.Context(), runID)
				return ctx.finishRun(cmd, summary, err)
			})
		},
	}
	cmd.Flags().BoolVar(&submitOnly, "submit-only", false, "Submit the retry run without executing it")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state and failure ledger of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				status, err := a.driver.Status(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, statusView(status))
				}
				fmt.Fprint(cmd.OutOrStdout(), renderRunStatus(status, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
}

// finishRun prints the outcome and maps it to the exit code.
func (c *commandContext) finishRun(cmd *cobra.Command, summary pipeline.Summary, err error) error {
	if err != nil {
		if summary.RunID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s stopped: %v\n", summary.RunID, err)
			if len(summary.Ledger) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nFailure ledger before stop\n%s\n\n", renderLedger(summary.Ledger))
			}
			if summary.Status == store.RunAborted || summary.Status == store.RunRunning {
				fmt.Fprintf(cmd.ErrOrStderr(), "Resume with: videogen resume %s\n", summary.RunID)
			}
			return &exitError{code: 1}
		}
		return err
	}
	if c.jsonFlag {
		if err := writeJSON(cmd, summaryView(summary)); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), renderSummary(summary, shouldColorize(cmd.OutOrStdout())))
	}
	if code := exitCode(summary.Status); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func exitCode(status store.RunStatus) int {
	switch status {
	case store.RunSucceeded:
		return 0
	case store.RunPartiallyFailed:
		return 2
	case store.RunFailed:
		return 3
	default:
		return 1
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
