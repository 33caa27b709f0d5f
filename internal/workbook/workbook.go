// Package workbook loads and saves XLSX workbooks holding the product map.
// Every tab other than the product map is preserved untouched.
package workbook

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/pricescan/internal/productmap"
)

// ContentType is the XLSX MIME type.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ErrMissingTab is returned when the workbook has no product map tab.
var ErrMissingTab = errors.New("workbook: missing " + productmap.TabName + " tab")

// Workbook wraps an open XLSX file.
type Workbook struct {
	file *excelize.File
	path string
}

// Open reads the workbook at path.
func Open(path string) (*Workbook, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("workbook not found: %w", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	return &Workbook{file: f, path: path}, nil
}

// FromBytes reads a workbook from memory; Save writes it to path.
func FromBytes(data []byte, path string) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	return &Workbook{file: f, path: path}, nil
}

// Path is where Save writes.
func (w *Workbook) Path() string {
	return w.path
}

// Sheets lists the tab names.
func (w *Workbook) Sheets() []string {
	return w.file.GetSheetList()
}

// ProductMap reads the product map tab.
func (w *Workbook) ProductMap() (*productmap.Table, error) {
	idx, err := w.file.GetSheetIndex(productmap.TabName)
	if err != nil {
		return nil, fmt.Errorf("lookup product map tab: %w", err)
	}
	if idx < 0 {
		return nil, ErrMissingTab
	}
	rows, err := w.file.GetRows(productmap.TabName)
	if err != nil {
		return nil, fmt.Errorf("read product map rows: %w", err)
	}
	return productmap.FromValues(rows)
}

// SetProductMap replaces the product map tab's cells with table. Rows beyond
// the table that held data before are cleared.
func (w *Workbook) SetProductMap(table *productmap.Table) error {
	sheet := productmap.TabName
	idx, err := w.file.GetSheetIndex(sheet)
	if err != nil {
		return fmt.Errorf("lookup product map tab: %w", err)
	}
	var previous int
	if idx < 0 {
		if _, err := w.file.NewSheet(sheet); err != nil {
			return fmt.Errorf("create product map tab: %w", err)
		}
	} else {
		rows, err := w.file.GetRows(sheet)
		if err != nil {
			return fmt.Errorf("read product map rows: %w", err)
		}
		previous = len(rows)
	}

	values := table.Values()
	header := values[0]
	for i, row := range values {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = cellValue(header[j], v, i == 0)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := w.file.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("write product map row %d: %w", i+1, err)
		}
	}
	for r := previous; r > len(values); r-- {
		if err := w.file.RemoveRow(sheet, r); err != nil {
			return fmt.Errorf("trim product map row %d: %w", r, err)
		}
	}
	return nil
}

// cellValue writes numeric output columns as numbers so the sheet can sort
// and sum them.
func cellValue(column, v string, header bool) any {
	if header || v == "" || !productmap.NumericColumns[column] {
		return v
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// Save writes the workbook to its path, creating parent directories.
func (w *Workbook) Save() error {
	if w.path == "" {
		return errors.New("workbook: no output path")
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create workbook dir: %w", err)
	}
	if err := w.file.SaveAs(w.path); err != nil {
		return fmt.Errorf("save workbook %s: %w", w.path, err)
	}
	return nil
}

// Bytes renders the workbook as XLSX.
func (w *Workbook) Bytes() ([]byte, error) {
	buf, err := w.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Close releases the underlying file.
func (w *Workbook) Close() error {
	return w.file.Close()
}
