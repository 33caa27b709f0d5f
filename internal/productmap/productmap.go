// Package productmap models the Product↔Retailer Map tab: reading scan targets
// out of it and writing scan results back into its output columns.
package productmap

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// TabName is the worksheet holding the product map.
const TabName = "Product↔Retailer Map"

// Input columns.
const (
	ColURL         = "search_url"
	ColProductID   = "product_id"
	ColDescription = "DESCRIPTION"
	ColRetailerKey = "retailer_key"
	ColNotSoldHere = "not_sold_here"
)

// Output columns, appended when absent.
const (
	ColInStock   = "In Stock (Y/N)"
	ColPrice     = "Price ($USD)"
	ColLastScan  = "Last Scan (UTC)"
	ColHTTP      = "HTTP Status"
	ColMethod    = "Parse Method"
	ColElapsedMS = "Response ms"
	ColLastError = "Last Error"
	ColURLStatus = "URL Status"
)

// OutputColumns lists the output columns in the order they are created.
var OutputColumns = []string{
	ColInStock, ColPrice, ColLastScan, ColHTTP,
	ColMethod, ColElapsedMS, ColLastError, ColURLStatus,
}

// NumericColumns are written as numbers by spreadsheet backends.
var NumericColumns = map[string]bool{ColPrice: true, ColElapsedMS: true}

// ErrNoURLColumn is returned when the header lacks search_url.
var ErrNoURLColumn = errors.New("product map: missing " + ColURL + " column")

// Table is the product map as a header plus string cells. Rows may be ragged.
type Table struct {
	Header []string
	Rows   [][]string
}

// FromValues builds a Table whose first row is the header. Header cells are
// trimmed.
func FromValues(values [][]string) (*Table, error) {
	if len(values) == 0 {
		return nil, errors.New("product map: no header row")
	}
	header := make([]string, len(values[0]))
	for i, h := range values[0] {
		header[i] = strings.TrimSpace(h)
	}
	rows := make([][]string, 0, len(values)-1)
	for _, row := range values[1:] {
		rows = append(rows, append([]string(nil), row...))
	}
	return &Table{Header: header, Rows: rows}, nil
}

// Values renders header and rows as a rectangular grid.
func (t *Table) Values() [][]string {
	width := len(t.Header)
	out := make([][]string, 0, len(t.Rows)+1)
	out = append(out, append([]string(nil), t.Header...))
	for _, row := range t.Rows {
		cells := make([]string, width)
		copy(cells, row)
		out = append(out, cells)
	}
	return out
}

// Column returns the index of name, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Cell returns the trimmed cell at (row, column name), or "".
func (t *Table) Cell(row int, name string) string {
	col := t.Column(name)
	if col < 0 || row < 0 || row >= len(t.Rows) || col >= len(t.Rows[row]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[row][col])
}

// Targets returns one target per row not flagged not_sold_here, in row order,
// keeping at most limit targets when limit > 0. Rows with blank or non-http
// URLs are kept; the pipeline reports them as MISSING_URL.
func (t *Table) Targets(limit int) ([]scan.Target, error) {
	if t.Column(ColURL) < 0 {
		return nil, ErrNoURLColumn
	}
	var targets []scan.Target
	for i := range t.Rows {
		if NotSoldHere(t.Cell(i, ColNotSoldHere)) {
			continue
		}
		targets = append(targets, scan.Target{
			Row:         i,
			ProductID:   t.Cell(i, ColProductID),
			RetailerKey: t.Cell(i, ColRetailerKey),
			Description: t.Cell(i, ColDescription),
			URL:         t.Cell(i, ColURL),
		})
		if limit > 0 && len(targets) == limit {
			break
		}
	}
	return targets, nil
}

// NotSoldHere interprets the not_sold_here flag: 1, 1.0 and true are set.
func NotSoldHere(v string) bool {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "true") {
		return true
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && f == 1
}

// EnsureOutputColumns appends any missing output columns to the header.
func (t *Table) EnsureOutputColumns() {
	for _, col := range OutputColumns {
		if t.Column(col) < 0 {
			t.Header = append(t.Header, col)
		}
	}
}

// Apply writes each record into the row it was read from. Records whose row
// is out of range are ignored and counted in the return value.
func (t *Table) Apply(records []scan.CanonicalRecord) (skipped int) {
	t.EnsureOutputColumns()
	for _, rec := range records {
		if rec.Row < 0 || rec.Row >= len(t.Rows) {
			skipped++
			continue
		}
		for col, value := range OutputCells(rec) {
			t.set(rec.Row, col, value)
		}
	}
	return skipped
}

func (t *Table) set(row int, name, value string) {
	col := t.Column(name)
	if col < 0 {
		return
	}
	if len(t.Rows[row]) <= col {
		grown := make([]string, len(t.Header))
		copy(grown, t.Rows[row])
		t.Rows[row] = grown
	}
	t.Rows[row][col] = value
}

// OutputCells renders a record into the output column values.
func OutputCells(rec scan.CanonicalRecord) map[string]string {
	cells := map[string]string{
		ColInStock:   rec.StockState.YN(),
		ColPrice:     "",
		ColLastScan:  rec.ScannedAt.UTC().Format(time.RFC3339),
		ColHTTP:      "",
		ColMethod:    string(rec.Method),
		ColElapsedMS: strconv.FormatInt(rec.ElapsedMS, 10),
		ColLastError: rec.ErrorMessage,
		ColURLStatus: string(rec.URLStatus),
	}
	if rec.Price.Valid {
		cells[ColPrice] = rec.Price.Decimal.StringFixed(2)
	}
	if rec.HTTPStatus != 0 {
		cells[ColHTTP] = strconv.Itoa(rec.HTTPStatus)
	}
	if rec.ScannedAt.IsZero() {
		cells[ColLastScan] = ""
	}
	return cells
}
