package pipeline

import (
	"context"
	"fmt"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/stage"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// writeOutputs records the fields def produced for each succeeded item in the
// row store. Stages that produce only a flag write nothing.
func (d *Driver) writeOutputs(ctx context.Context, run *store.Run, def stage.Definition, items workitem.Batch) error {
	if len(def.Produces.Fields) == 0 {
		return nil
	}
	for _, item := range items {
		fields := make(map[rowstore.Column]string, len(def.Produces.Fields))
		for _, field := range def.Produces.Fields {
			col, ok := rowstore.FieldColumn(field)
			if !ok {
				continue
			}
			fields[col] = item.Get(field)
		}
		if len(fields) == 0 {
			continue
		}
		if err := d.rows.Write(ctx, run.SpreadsheetID, run.SheetName, item.RowIndex, fields); err != nil {
			return ensureInfrastructure(err, fmt.Sprintf("write %s outputs for row %d", def.Name, item.RowIndex))
		}
	}
	return nil
}

// writeFinalStatus marks surviving rows DONE and ledger rows FAILED with their
// failure detail.
func (d *Driver) writeFinalStatus(ctx context.Context, run *store.Run, succeeded workitem.Batch, ledger []store.LedgerEntry) error {
	for _, item := range succeeded {
		if err := d.rows.Write(ctx, run.SpreadsheetID, run.SheetName, item.RowIndex, map[rowstore.Column]string{
			rowstore.ColumnStatus:    rowstore.StatusDone,
			rowstore.ColumnLastError: "",
		}); err != nil {
			return ensureInfrastructure(err, fmt.Sprintf("mark row %d done", item.RowIndex))
		}
	}
	for _, entry := range ledger {
		if err := d.rows.Write(ctx, run.SpreadsheetID, run.SheetName, entry.RowIndex, map[rowstore.Column]string{
			rowstore.ColumnStatus:    rowstore.StatusFailed,
			rowstore.ColumnLastError: formatLastError(entry.Failure),
		}); err != nil {
			return ensureInfrastructure(err, fmt.Sprintf("mark row %d failed", entry.RowIndex))
		}
	}
	return nil
}

func formatLastError(f workitem.Failure) string {
	if f.Message == "" {
		return fmt.Sprintf("%s: %s", f.Stage, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Reason, f.Message)
}
