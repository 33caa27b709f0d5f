// Package gsheet reads and writes the product map in Google Sheets and
// exports whole spreadsheets as XLSX through Drive.
package gsheet

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/JakeFAU/pricescan/internal/productmap"
	"github.com/JakeFAU/pricescan/internal/workbook"
)

// ErrSameSheet is returned when the output sheet is the master sheet.
var ErrSameSheet = errors.New("output sheet id is the same as master sheet id; refusing to overwrite the master sheet")

// tabRange addresses the whole product map tab.
var tabRange = "'" + productmap.TabName + "'"

// Client talks to the Sheets and Drive APIs.
type Client struct {
	sheets *sheets.Service
	drive  *drive.Service
	logger *zap.Logger
}

// New authenticates with a service-account credentials file.
func New(ctx context.Context, credentialsFile string, logger *zap.Logger) (*Client, error) {
	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope, drive.DriveReadonlyScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return NewWithOptions(ctx, logger, opts...)
}

// NewWithOptions builds a Client from explicit client options.
func NewWithOptions(ctx context.Context, logger *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &Client{sheets: sheetsSvc, drive: driveSvc, logger: logger}, nil
}

// ReadProductMap downloads the product map tab of sheetID.
func (c *Client) ReadProductMap(ctx context.Context, sheetID string) (*productmap.Table, error) {
	resp, err := c.sheets.Spreadsheets.Values.Get(sheetID, tabRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read product map from sheet %s: %w", sheetID, err)
	}
	values := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		values[i] = make([]string, len(row))
		for j, cell := range row {
			values[i][j] = fmt.Sprint(cell)
		}
	}
	table, err := productmap.FromValues(values)
	if err != nil {
		return nil, err
	}
	c.logger.Info("downloaded product map",
		zap.String("sheet_id", sheetID),
		zap.Int("rows", len(table.Rows)),
	)
	return table, nil
}

// WriteProductMap overwrites the product map tab of outputID, creating the tab
// when absent, and returns the sheet's web link.
func (c *Client) WriteProductMap(ctx context.Context, masterID, outputID string, table *productmap.Table) (string, error) {
	if outputID == "" {
		return "", errors.New("output sheet id is required")
	}
	if outputID == masterID {
		return "", ErrSameSheet
	}
	if err := c.ensureTab(ctx, outputID); err != nil {
		return "", err
	}
	if _, err := c.sheets.Spreadsheets.Values.Clear(outputID, tabRange, &sheets.ClearValuesRequest{}).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("clear product map tab: %w", err)
	}

	grid := table.Values()
	rows := make([][]any, len(grid))
	for i, row := range grid {
		rows[i] = make([]any, len(row))
		for j, v := range row {
			rows[i][j] = v
		}
	}
	_, err := c.sheets.Spreadsheets.Values.
		Update(outputID, tabRange+"!A1", &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("write product map tab: %w", err)
	}
	link := WebLink(outputID)
	c.logger.Info("uploaded product map",
		zap.String("sheet_id", outputID),
		zap.Int("rows", len(table.Rows)),
		zap.String("link", link),
	)
	return link, nil
}

func (c *Client) ensureTab(ctx context.Context, sheetID string) error {
	ss, err := c.sheets.Spreadsheets.Get(sheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get spreadsheet %s: %w", sheetID, err)
	}
	for _, s := range ss.Sheets {
		if s.Properties != nil && s.Properties.Title == productmap.TabName {
			return nil
		}
	}
	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: []*sheets.Request{{
		AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: productmap.TabName}},
	}}}
	if _, err := c.sheets.Spreadsheets.BatchUpdate(sheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add product map tab: %w", err)
	}
	return nil
}

// ExportXLSX downloads the whole spreadsheet as an XLSX workbook.
func (c *Client) ExportXLSX(ctx context.Context, sheetID string) ([]byte, error) {
	resp, err := c.drive.Files.Export(sheetID, workbook.ContentType).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("export sheet %s: %w", sheetID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export of sheet %s: %w", sheetID, err)
	}
	c.logger.Info("exported sheet as xlsx", zap.String("sheet_id", sheetID), zap.Int("bytes", len(data)))
	return data, nil
}

// WebLink is the browser URL of a spreadsheet.
func WebLink(sheetID string) string {
	return "https://docs.google.com/spreadsheets/d/" + sheetID + "/edit"
}
