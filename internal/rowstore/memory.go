package rowstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// Write is one recorded Memory write.
type Write struct {
	SpreadsheetID string
	SheetName     string
	RowIndex      int
	Fields        map[Column]string
}

// Memory is an in-process Store keyed by spreadsheet ID. Ranges are ignored
// on read apart from their start row.
type Memory struct {
	mu       sync.Mutex
	sheets   map[string]map[int][]string
	writes   []Write
	readErr  error
	writeErr error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{sheets: map[string]map[int][]string{}}
}

// Seed sets row values, columns A onward.
func (m *Memory) Seed(spreadsheetID string, rowIndex int, values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sheet, ok := m.sheets[spreadsheetID]
	if !ok {
		sheet = map[int][]string{}
		m.sheets[spreadsheetID] = sheet
	}
	sheet[rowIndex] = append([]string(nil), values...)
}

// FailReads makes every Read return err.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// FailWrites makes every Write return err.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Read returns the seeded rows at or after the range start row.
func (m *Memory) Read(_ context.Context, spreadsheetID, rng string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "rowstore", "read", "row store unavailable", m.readErr)
	}
	sheet, ok := m.sheets[spreadsheetID]
	if !ok {
		return nil, services.Wrap(services.ErrInfrastructure, "rowstore", "read", fmt.Sprintf("spreadsheet %s not found", spreadsheetID), nil)
	}
	start := StartRow(rng)
	indexes := make([]int, 0, len(sheet))
	for idx := range sheet {
		if idx >= start {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	rows := make([]Row, 0, len(indexes))
	for _, idx := range indexes {
		rows = append(rows, Row{Index: idx, Values: append([]string(nil), sheet[idx]...)})
	}
	return rows, nil
}

// Write applies fields to the stored row and records the call.
func (m *Memory) Write(_ context.Context, spreadsheetID, sheetName string, rowIndex int, fields map[Column]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return services.Wrap(services.ErrInfrastructure, "rowstore", "write", "row store unavailable", m.writeErr)
	}
	copied := make(map[Column]string, len(fields))
	for col, value := range fields {
		copied[col] = value
	}
	m.writes = append(m.writes, Write{SpreadsheetID: spreadsheetID, SheetName: sheetName, RowIndex: rowIndex, Fields: copied})

	sheet, ok := m.sheets[spreadsheetID]
	if !ok {
		sheet = map[int][]string{}
		m.sheets[spreadsheetID] = sheet
	}
	values := sheet[rowIndex]
	for col, value := range fields {
		pos := columnPosition(col)
		if pos < 0 {
			continue
		}
		for len(values) <= pos {
			values = append(values, "")
		}
		values[pos] = value
	}
	sheet[rowIndex] = values
	return nil
}

// Writes returns the recorded writes.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Cell returns the current value of one cell.
func (m *Memory) Cell(spreadsheetID string, rowIndex int, col Column) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Row{Index: rowIndex, Values: m.sheets[spreadsheetID][rowIndex]}.Cell(col)
}

func columnPosition(col Column) int {
	for i, c := range columnOrder {
		if c == col {
			return i
		}
	}
	return -1
}
