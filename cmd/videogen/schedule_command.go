package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/scheduler"
)

func newScheduleCommand(ctx *commandContext) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on the configured cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				sched, err := scheduler.New(a.cfg.Schedule, scheduledRun(a), a.logger)
				if err != nil {
					return err
				}
				sched.Start(cmd.Context())
				defer sched.Stop()

				fmt.Fprintf(cmd.OutOrStdout(), "Scheduler running (%s %s); next run at %s\n",
					a.cfg.Schedule.Cron, a.cfg.Schedule.Timezone, sched.Next().Format(time.RFC3339))
				if runNow {
					go sched.Trigger()
				}
				<-cmd.Context().Done()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&runNow, "now", false, "Start a run immediately as well as on schedule")
	return cmd
}

// scheduledRun submits the configured sheet range. Partial failures are
// reported through logs and notifications, not as scheduler errors.
func scheduledRun(a *app) scheduler.RunFunc {
	return func(ctx context.Context) error {
		summary, err := a.driver.Run(ctx, pipeline.SubmitRequest{
			SpreadsheetID: a.cfg.Sheets.SpreadsheetID,
			SheetName:     a.cfg.Sheets.SheetName,
			Range:         a.cfg.Sheets.Range,
		})
		if err != nil {
			return fmt.Errorf("run %s: %w", summary.RunID, err)
		}
		a.logger.Info("scheduled run outcome",
			logging.String(logging.FieldEventType, "scheduled_run_outcome"),
			logging.String(logging.FieldRunID, summary.RunID),
			logging.String("status", string(summary.Status)),
			logging.Int("succeeded", len(summary.Succeeded)),
			logging.Int("failed", len(summary.Ledger)),
		)
		return nil
	}
}
