package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
)

type stageJSON struct {
	Name         string `json:"name"`
	MaxBatchSize int    `json:"maxBatchSize"`
	Concurrency  int    `json:"concurrency"`
	Timeout      string `json:"timeout"`
	MaxAttempts  int    `json:"maxAttempts"`
	Ready        *bool  `json:"ready,omitempty"`
	Target       string `json:"target,omitempty"`
	LatencyMs    int64  `json:"latencyMs,omitempty"`
	Detail       string `json:"detail,omitempty"`
	health       string
}

func newStagesCommand(ctx *commandContext) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the configured stages and optionally check their workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				views := make([]stageJSON, 0, len(a.stages))
				unhealthy := 0
				for _, def := range a.stages {
					view := stageJSON{
						Name:         def.Name,
						MaxBatchSize: def.MaxBatchSize,
						Concurrency:  def.Concurrency,
						Timeout:      def.Timeout.String(),
						MaxAttempts:  def.Retry.MaxAttempts,
					}
					if check {
						health := stage.CheckHealth(cmd.Context(), def.Name, def.Worker)
						view.Ready = &health.Ready
						view.Target = health.Target
						view.LatencyMs = health.Latency.Milliseconds()
						view.Detail = health.Detail
						view.health = health.String()
						if !health.Ready {
							unhealthy++
						}
					}
					views = append(views, view)
				}
				if ctx.jsonFlag {
					if err := writeJSON(cmd, views); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), renderStages(views, check))
				}
				if unhealthy > 0 {
					return fmt.Errorf("%d stage worker(s) not ready", unhealthy)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check each stage worker is deployed and active")
	return cmd
}

func renderStages(views []stageJSON, withHealth bool) string {
	headers := []string{"#", "Stage", "Batch", "Concurrency", "Timeout", "Attempts"}
	aligns := []columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight}
	if withHealth {
		headers = append(headers, "Ready", "Detail")
		aligns = append(aligns, alignLeft, alignLeft)
	}
	rows := make([][]string, 0, len(views))
	for i, v := range views {
		row := []string{
			strconv.Itoa(i + 1),
			v.Name,
			strconv.Itoa(v.MaxBatchSize),
			strconv.Itoa(v.Concurrency),
			v.Timeout,
			strconv.Itoa(v.MaxAttempts),
		}
		if withHealth && v.Ready != nil {
			ready := "no"
			if *v.Ready {
				ready = "yes"
			}
			row = append(row, ready, v.health)
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}
