package rowstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/credentials"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// Sheets is the Google Sheets backed Store.
type Sheets struct {
	svc    *sheets.Service
	logger *slog.Logger
}

// NewSheets authenticates with the service account JSON held by the
// credential provider under the configured secret name.
func NewSheets(ctx context.Context, cfg *config.Config, creds credentials.Provider, logger *slog.Logger) (*Sheets, error) {
	secret, err := creds.Secret(ctx, cfg.SecretName(cfg.Sheets.CredentialsSecret))
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{
		option.WithCredentialsJSON(secret),
		option.WithScopes(sheets.SpreadsheetsScope),
	}
	if endpoint := strings.TrimSpace(cfg.Sheets.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return NewSheetsWithOptions(ctx, logger, opts...)
}

// NewSheetsWithOptions builds the client from explicit options.
func NewSheetsWithOptions(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*Sheets, error) {
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "rowstore", "connect", "sheets client unavailable", err)
	}
	return &Sheets{svc: svc, logger: logging.NewComponentLogger(logger, "rowstore")}, nil
}

// Read fetches rng. Blank rows keep their position so row indexes stay
// aligned with the sheet.
func (s *Sheets) Read(ctx context.Context, spreadsheetID, rng string) ([]Row, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, classify("read", err)
	}
	start := StartRow(rng)
	rows := make([]Row, 0, len(resp.Values))
	for i, raw := range resp.Values {
		values := make([]string, len(raw))
		for j, cell := range raw {
			values[j] = fmt.Sprint(cell)
		}
		rows = append(rows, Row{Index: start + i, Values: values})
	}
	s.logger.Debug("rows read",
		logging.String(logging.FieldEventType, "rows_read"),
		logging.String("range", rng),
		logging.Int("rows", len(rows)),
	)
	return rows, nil
}

// Write updates the given cells of rowIndex in one batch request.
func (s *Sheets) Write(ctx context.Context, spreadsheetID, sheetName string, rowIndex int, fields map[Column]string) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, string(col))
	}
	sort.Strings(cols)
	req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW"}
	for _, col := range cols {
		req.Data = append(req.Data, &sheets.ValueRange{
			Range:  QualifiedRange(sheetName, fmt.Sprintf("%s%d", col, rowIndex)),
			Values: [][]any{{fields[Column(col)]}},
		})
	}
	if _, err := s.svc.Spreadsheets.Values.BatchUpdate(spreadsheetID, req).Context(ctx).Do(); err != nil {
		return classify("write", err)
	}
	return nil
}

func classify(operation string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return services.Wrap(services.ErrInfrastructure, "rowstore", operation, "spreadsheet or range not found", err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return services.Wrap(services.ErrInfrastructure, "rowstore", operation, "access to spreadsheet denied", err)
		}
	}
	return services.Wrap(services.ErrInfrastructure, "rowstore", operation, "sheets request failed", err)
}
