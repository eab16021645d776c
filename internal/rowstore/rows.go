package rowstore

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

// Column is a spreadsheet column letter.
type Column string

// Sheet layout, one column per attribute.
const (
	ColumnTitle          Column = "A"
	ColumnTheme          Column = "B"
	ColumnDuration       Column = "C"
	ColumnTargetAudience Column = "D"
	ColumnStatus         Column = "E"
	ColumnKeywords       Column = "F"
	ColumnScript         Column = "G"
	ColumnImageRef       Column = "H"
	ColumnAudioRef       Column = "I"
	ColumnVideoRef       Column = "J"
	ColumnUploadRef      Column = "K"
	ColumnLastError      Column = "L"
)

var columnOrder = []Column{
	ColumnTitle, ColumnTheme, ColumnDuration, ColumnTargetAudience, ColumnStatus, ColumnKeywords,
	ColumnScript, ColumnImageRef, ColumnAudioRef, ColumnVideoRef, ColumnUploadRef, ColumnLastError,
}

// Row status values.
const (
	StatusTodo       = "TODO"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// DefaultDurationSeconds applies when the duration cell is empty or invalid.
const DefaultDurationSeconds = 60

// Row is one spreadsheet row. Index is the 1-based sheet row number.
type Row struct {
	Index  int
	Values []string
}

// Cell returns the value in col, or "" past the end of the row.
func (r Row) Cell(col Column) string {
	for i, c := range columnOrder {
		if c == col {
			if i < len(r.Values) {
				return strings.TrimSpace(r.Values[i])
			}
			return ""
		}
	}
	return ""
}

// Store is the row store contract.
type Store interface {
	// Read returns the rows of rng in sheet order. rng is A1 notation and may
	// include the sheet name, e.g. "Sheet1!A2:L1000".
	Read(ctx context.Context, spreadsheetID, rng string) ([]Row, error)
	// Write sets the given cells of one row.
	Write(ctx context.Context, spreadsheetID, sheetName string, rowIndex int, fields map[Column]string) error
}

// FieldColumn maps a work item output field to its column.
func FieldColumn(field workitem.Field) (Column, bool) {
	switch field {
	case workitem.FieldScript:
		return ColumnScript, true
	case workitem.FieldImageRef:
		return ColumnImageRef, true
	case workitem.FieldAudioRef:
		return ColumnAudioRef, true
	case workitem.FieldVideoRef:
		return ColumnVideoRef, true
	case workitem.FieldUploadRef:
		return ColumnUploadRef, true
	default:
		return "", false
	}
}

// ParseOptions controls which rows become work items.
type ParseOptions struct {
	// Only restricts ingestion to these row indexes and also accepts rows
	// marked FAILED, so failed rows can be re-submitted.
	Only []int
}

// Skipped describes a row that was not turned into a work item.
type Skipped struct {
	RowIndex int
	Reason   string
}

// ParseItems converts rows into pending work items. A row is ingested when
// its status is empty or TODO and both title and theme are present.
func ParseItems(rows []Row, opts ParseOptions, logger *slog.Logger) (workitem.Batch, []Skipped) {
	if logger == nil {
		logger = logging.NewNop()
	}
	only := make(map[int]bool, len(opts.Only))
	for _, idx := range opts.Only {
		only[idx] = true
	}

	var (
		batch   workitem.Batch
		skipped []Skipped
	)
	skip := func(row Row, reason string) {
		skipped = append(skipped, Skipped{RowIndex: row.Index, Reason: reason})
		logger.Debug("row skipped",
			logging.String(logging.FieldEventType, "row_skipped"),
			logging.Int(logging.FieldRowIndex, row.Index),
			logging.String("reason", reason),
		)
	}
	for _, row := range rows {
		if len(only) > 0 && !only[row.Index] {
			continue
		}
		status := strings.ToUpper(row.Cell(ColumnStatus))
		switch {
		case status == "" || status == StatusTodo:
		case status == StatusFailed && len(only) > 0:
		default:
			skip(row, "status "+status)
			continue
		}
		title, theme := row.Cell(ColumnTitle), row.Cell(ColumnTheme)
		if title == "" || theme == "" {
			skip(row, "title and theme are required")
			continue
		}
		duration := DefaultDurationSeconds
		if raw := row.Cell(ColumnDuration); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				duration = n
			}
		}
		batch = append(batch, workitem.Item{
			RowIndex:       row.Index,
			Title:          title,
			Theme:          theme,
			TargetAudience: row.Cell(ColumnTargetAudience),
			DurationHint:   duration,
			Keywords:       splitKeywords(row.Cell(ColumnKeywords)),
			Status:         workitem.StatusPending,
		})
	}
	return batch, skipped
}

func splitKeywords(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var startRowPattern = regexp.MustCompile(`^(?:.*!)?[A-Za-z]+(\d+)`)

// StartRow returns the first sheet row number covered by rng. A range with no
// row number starts at row 1.
func StartRow(rng string) int {
	m := startRowPattern.FindStringSubmatch(strings.TrimSpace(rng))
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// QualifiedRange prefixes rng with sheetName unless it already names a sheet.
func QualifiedRange(sheetName, rng string) string {
	if sheetName == "" || strings.Contains(rng, "!") {
		return rng
	}
	return fmt.Sprintf("%s!%s", quoteSheet(sheetName), rng)
}

func quoteSheet(name string) string {
	if strings.ContainsAny(name, " '!") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}
