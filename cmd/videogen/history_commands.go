package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/history"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the execution history of a run",
	}
	historyCmd.AddCommand(newHistoryStageCommand(ctx))
	historyCmd.AddCommand(newHistoryRowCommand(ctx))
	historyCmd.AddCommand(newHistoryTimelineCommand(ctx))
	return historyCmd
}

func newHistoryStageCommand(ctx *commandContext) *cobra.Command {
	var showOutput bool
	cmd := &cobra.Command{
		Use:   "stage <run-id> <stage>",
		Short: "Show what a stage returned for a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				out, err := a.history.StageOutput(cmd.Context(), strings.TrimSpace(args[0]), strings.TrimSpace(args[1]))
				if err != nil {
					return err
				}
				outputs := make([]string, len(out.SubBatches))
				if showOutput || ctx.jsonFlag {
					for i, rec := range out.SubBatches {
						snapshot, err := a.history.Snapshot(cmd.Context(), rec.OutputSnapshot)
						if err != nil {
							return err
						}
						outputs[i] = snapshot
					}
				}
				if ctx.jsonFlag {
					views := make([]executionJSON, 0, len(out.SubBatches))
					for i, rec := range out.SubBatches {
						views = append(views, executionView(rec, outputs[i]))
					}
					return writeJSON(cmd, map[string]any{
						"runId":      out.RunID,
						"stage":      out.Stage,
						"latest":     executionView(out.Latest, ""),
						"subBatches": views,
					})
				}
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, renderExecutions(out.SubBatches))
				if showOutput {
					for i, rec := range out.SubBatches {
						fmt.Fprintf(w, "\nSub-batch %d attempt %d output:\n%s\n", rec.SubBatch, rec.Attempt, outputs[i])
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showOutput, "output", false, "Print the worker output of each sub-batch")
	return cmd
}

func newHistoryRowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "row <run-id> <row>",
		Short: "Show where a spreadsheet row stopped in a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil || row < 1 {
				return fmt.Errorf("invalid row %q", args[1])
			}
			return ctx.withApp(cmd, func(a *app) error {
				point, err := a.history.WhereStopped(cmd.Context(), strings.TrimSpace(args[0]), row)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, stopPointView(point))
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStopPoint(point, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
}

func newHistoryTimelineCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <run-id>",
		Short: "List every sub-batch attempt of a run in start order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				records, err := a.history.Timeline(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					views := make([]executionJSON, 0, len(records))
					for _, rec := range records {
						views = append(views, executionView(rec, ""))
					}
					return writeJSON(cmd, views)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderExecutions(records))
				return nil
			})
		},
	}
}

func renderExecutions(records []store.ExecutionRecord) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Stage,
			strconv.Itoa(rec.SubBatch),
			strconv.Itoa(rec.Attempt),
			string(rec.Outcome),
			joinRows(rec.SucceededRows),
			joinRows(rec.FailedRows),
			rec.EndedAt.Sub(rec.StartedAt).String(),
			rec.FailureDetail,
		})
	}
	return renderTable(
		[]string{"Stage", "Sub-batch", "Attempt", "Outcome", "Succeeded", "Failed", "Elapsed", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func renderStopPoint(p history.StopPoint, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader(fmt.Sprintf("Row %d", p.RowIndex), colorize) {
		b.WriteString(line + "\n")
	}
	last := p.LastSucceededStage
	if last == "" {
		last = "none"
	}
	b.WriteString(renderStatusLine("Last success", statusInfo, last, colorize) + "\n")
	if p.Completed {
		b.WriteString(renderStatusLine("Stopped at", statusOK, "completed every stage", colorize) + "\n")
		return b.String()
	}
	b.WriteString(renderStatusLine("Stopped at", statusError, p.StoppedStage, colorize) + "\n")
	if p.Reason != "" {
		b.WriteString(renderStatusLine("Reason", statusError, p.Reason, colorize) + "\n")
	}
	if p.Attempts > 0 {
		b.WriteString(renderStatusLine("Attempts", statusInfo, strconv.Itoa(p.Attempts), colorize) + "\n")
	}
	if p.FailureDetail != "" {
		b.WriteString(renderStatusLine("Detail", statusInfo, p.FailureDetail, colorize) + "\n")
	}
	return b.String()
}

func joinRows(rows []int) string {
	parts := make([]string, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, strconv.Itoa(r))
	}
	return strings.Join(parts, ",")
}
