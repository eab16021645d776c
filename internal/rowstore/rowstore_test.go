package rowstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/rowstore"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/workitem"
)

func TestParseItemsIngestionRules(t *testing.T) {
	rows := []rowstore.Row{
		{Index: 2, Values: []string{"Ocean facts", "science", "90", "kids", "", "sea, whales ,"}},
		{Index: 3, Values: []string{"Done video", "history", "", "", "DONE"}},
		{Index: 4, Values: []string{"", "cooking"}},
		{Index: 5, Values: []string{"Space", "science", "abc", "", "todo"}},
		{Index: 6, Values: []string{"Retry me", "music", "", "", "FAILED"}},
		{Index: 7, Values: []string{"Busy", "music", "", "", "PROCESSING"}},
	}

	batch, skipped := rowstore.ParseItems(rows, rowstore.ParseOptions{}, nil)
	require.Equal(t, []int{2, 5}, batch.RowIndexes())
	assert.Equal(t, workitem.Item{
		RowIndex:       2,
		Title:          "Ocean facts",
		Theme:          "science",
		TargetAudience: "kids",
		DurationHint:   90,
		Keywords:       []string{"sea", "whales"},
		Status:         workitem.StatusPending,
	}, batch[0])
	assert.Equal(t, rowstore.DefaultDurationSeconds, batch[1].DurationHint)

	var skippedRows []int
	for _, s := range skipped {
		skippedRows = append(skippedRows, s.RowIndex)
	}
	assert.Equal(t, []int{3, 4, 6, 7}, skippedRows)
}

func TestParseItemsOnlyAcceptsFailedRows(t *testing.T) {
	rows := []rowstore.Row{
		{Index: 2, Values: []string{"A", "x", "", "", "DONE"}},
		{Index: 3, Values: []string{"B", "y", "", "", "FAILED"}},
		{Index: 4, Values: []string{"C", "z"}},
	}
	batch, _ := rowstore.ParseItems(rows, rowstore.ParseOptions{Only: []int{2, 3}}, nil)
	assert.Equal(t, []int{3}, batch.RowIndexes())
}

func TestStartRowAndQualifiedRange(t *testing.T) {
	assert.Equal(t, 2, rowstore.StartRow("Sheet1!A2:L1000"))
	assert.Equal(t, 15, rowstore.StartRow("B15:C20"))
	assert.Equal(t, 1, rowstore.StartRow("A:L"))

	assert.Equal(t, "Sheet1!A2:L1000", rowstore.QualifiedRange("Sheet1", "A2:L1000"))
	assert.Equal(t, "Other!A2", rowstore.QualifiedRange("Sheet1", "Other!A2"))
	assert.Equal(t, "'My Sheet'!G5", rowstore.QualifiedRange("My Sheet", "G5"))
}

func TestMemoryReadWrite(t *testing.T) {
	mem := rowstore.NewMemory()
	mem.Seed("sheet", 1, "title", "theme")
	mem.Seed("sheet", 2, "Video", "science")
	mem.Seed("sheet", 3, "Video 2", "music")

	rows, err := mem.Read(context.Background(), "sheet", "Sheet1!A2:L1000")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Index)

	require.NoError(t, mem.Write(context.Background(), "sheet", "Sheet1", 3, map[rowstore.Column]string{rowstore.ColumnStatus: rowstore.StatusDone}))
	assert.Equal(t, rowstore.StatusDone, mem.Cell("sheet", 3, rowstore.ColumnStatus))

	mem.FailReads(errors.New("offline"))
	_, err = mem.Read(context.Background(), "sheet", "A2:L")
	assert.True(t, errors.Is(err, services.ErrInfrastructure))
}

type fakeSheets struct {
	mu      sync.Mutex
	values  [][]any
	updates []*sheets.ValueRange
	status  int
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/values/"):
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Range: "Sheet1!A2:L1000", Values: f.values})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":batchUpdate"):
		var req sheets.BatchUpdateValuesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.updates = append(f.updates, req.Data...)
		_ = json.NewEncoder(w).Encode(sheets.BatchUpdateValuesResponse{TotalUpdatedCells: int64(len(req.Data))})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newSheetsClient(t *testing.T, backend *fakeSheets) *rowstore.Sheets {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	client, err := rowstore.NewSheetsWithOptions(context.Background(), nil,
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return client
}

func TestSheetsRead(t *testing.T) {
	backend := &fakeSheets{values: [][]any{
		{"Ocean facts", "science", "60"},
		{},
		{"Space", "science"},
	}}
	client := newSheetsClient(t, backend)

	rows, err := client.Read(context.Background(), "spreadsheet-1", "Sheet1!A2:L1000")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 2, rows[0].Index)
	assert.Equal(t, "Ocean facts", rows[0].Cell(rowstore.ColumnTitle))
	assert.Equal(t, 4, rows[2].Index)
}

func TestSheetsWrite(t *testing.T) {
	backend := &fakeSheets{}
	client := newSheetsClient(t, backend)

	err := client.Write(context.Background(), "spreadsheet-1", "Sheet1", 5, map[rowstore.Column]string{
		rowstore.ColumnStatus:    rowstore.StatusDone,
		rowstore.ColumnUploadRef: "yt:abc",
	})
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.updates, 2)
	assert.Equal(t, "Sheet1!E5", backend.updates[0].Range)
	assert.Equal(t, "Sheet1!K5", backend.updates[1].Range)
	assert.Equal(t, "yt:abc", backend.updates[1].Values[0][0])
}

func TestSheetsErrorsAreInfrastructure(t *testing.T) {
	client := newSheetsClient(t, &fakeSheets{status: http.StatusNotFound})

	_, err := client.Read(context.Background(), "missing", "Sheet1!A2:L1000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrInfrastructure))
}

func TestLazyBuildsOnFirstUseAndRetriesFailedBuild(t *testing.T) {
	mem := rowstore.NewMemory()
	mem.Seed("sheet-1", 2, "Video", "science")
	builds := 0
	lazy := rowstore.NewLazy(func(context.Context) (rowstore.Store, error) {
		builds++
		if builds == 1 {
			return nil, errors.New("secret provider unreachable")
		}
		return mem, nil
	})
	assert.Zero(t, builds)

	_, err := lazy.Read(context.Background(), "sheet-1", "A2:L")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrInfrastructure)
	assert.Contains(t, err.Error(), "secret provider unreachable")

	rows, err := lazy.Read(context.Background(), "sheet-1", "A2:L")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, lazy.Write(context.Background(), "sheet-1", "Videos", 2, map[rowstore.Column]string{rowstore.ColumnStatus: rowstore.StatusDone}))
	assert.Equal(t, 2, builds)
	assert.Equal(t, rowstore.StatusDone, mem.Cell("sheet-1", 2, rowstore.ColumnStatus))
}
