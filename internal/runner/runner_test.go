package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/pricescan/internal/clock/system"
	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/id/uuid"
	"github.com/JakeFAU/pricescan/internal/notify/email"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/productmap"
	"github.com/JakeFAU/pricescan/internal/scan"
	"github.com/JakeFAU/pricescan/internal/workbook"
)

const productPage = `<html><head><script type="application/ld+json">
{"@type":"Product","offers":{"price":"12.50","availability":"https://schema.org/OutOfStock"}}
</script></head></html>`

var testClock = system.Fixed{At: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}

type pageFetcher struct{}

func (pageFetcher) Fetch(_ context.Context, req scan.FetchRequest) scan.FetchOutcome {
	return scan.FetchOutcome{
		RequestedURL: req.URL,
		ResolvedURL:  req.URL,
		HTTPStatus:   200,
		Body:         []byte(productPage),
		Attempts:     1,
	}
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Attachment
	err  error
}

func (m *fakeMailer) SendWorkbook(_ context.Context, _ time.Time, a email.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, a)
	return m.err
}

type fakePublisher struct {
	topic   string
	payload any
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.topic, p.payload = topic, payload
	return "msg-1", nil
}

type fakeRecords struct {
	batchID string
	records []scan.CanonicalRecord
}

func (f *fakeRecords) StoreRecords(_ context.Context, batchID string, records []scan.CanonicalRecord) error {
	f.batchID, f.records = batchID, records
	return nil
}

type fakeSheets struct {
	xlsx    []byte
	written *productmap.Table
	output  string
}

func (f *fakeSheets) ReadProductMap(_ context.Context, _ string) (*productmap.Table, error) {
	return productmap.FromValues([][]string{{productmap.ColURL}})
}

func (f *fakeSheets) WriteProductMap(_ context.Context, _, outputID string, table *productmap.Table) (string, error) {
	f.written, f.output = table, outputID
	return "https://sheets.test/" + outputID, nil
}

func (f *fakeSheets) ExportXLSX(_ context.Context, _ string) ([]byte, error) {
	return f.xlsx, nil
}

func fixture(t *testing.T) *excelize.File {
	t.Helper()
	f := excelize.NewFile()
	_, err := f.NewSheet(productmap.TabName)
	require.NoError(t, err)
	rows := [][]any{
		{"product_id", "DESCRIPTION", "retailer_key", "search_url", "not_sold_here"},
		{"P1", "Widget", "acme", "https://acme.test/w", 0},
		{"P2", "Gadget", "acme", "", 0},
		{"P3", "Gizmo", "acme", "https://acme.test/g", 1},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(productmap.TabName, cell, &row))
	}
	return f
}

func newPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{Concurrency: 2}, pipeline.Deps{
		Fetcher: pageFetcher{},
		Chain:   extract.New(extract.Config{}, nil),
		IDs:     uuid.New(),
		Clock:   testClock,
	})
	require.NoError(t, err)
	return p
}

const batchID = "0190a5a4-7c1e-7000-8000-000000000001"

func TestRunWorkbookFeedsEverySink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "targets.xlsx")
	f := fixture(t)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	mailer := &fakeMailer{}
	pub := &fakePublisher{}
	recs := &fakeRecords{}
	r, err := New(Config{WorkbookPath: path, SummaryTopic: "scans"}, Deps{
		Pipeline:  newPipeline(t),
		Mailer:    mailer,
		Publisher: pub,
		Records:   recs,
		Clock:     testClock,
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), batchID, scan.JobSpec{Source: scan.SourceWorkbook})
	require.NoError(t, err)
	require.NoError(t, res.SinkErr)
	require.Equal(t, path, res.WorkbookPath)
	require.True(t, res.Emailed)
	require.Equal(t, scan.ModeProd, res.Batch.Mode)

	require.Len(t, res.Batch.Records, 2)
	require.Equal(t, scan.URLStatusOK, res.Batch.Records[0].URLStatus)
	require.Equal(t, scan.StockOutOfStock, res.Batch.Records[0].StockState)
	require.Equal(t, scan.URLStatusMissing, res.Batch.Records[1].URLStatus)

	require.Len(t, mailer.sent, 1)
	require.Equal(t, "targets.xlsx", mailer.sent[0].Name)
	require.Equal(t, "scans", pub.topic)
	summary, ok := pub.payload.(pipeline.Summary)
	require.True(t, ok)
	require.Equal(t, batchID, summary.BatchID)
	require.Equal(t, batchID, recs.batchID)
	require.Len(t, recs.records, 2)

	wb, err := workbook.Open(path)
	require.NoError(t, err)
	defer wb.Close()
	table, err := wb.ProductMap()
	require.NoError(t, err)
	require.Equal(t, "12.5", table.Cell(0, productmap.ColPrice))
	require.Equal(t, "N", table.Cell(0, productmap.ColInStock))
	require.Equal(t, "MISSING_URL", table.Cell(1, productmap.ColURLStatus))
	require.Equal(t, "", table.Cell(2, productmap.ColURLStatus))
}

func TestRunSheetWritesOutputSheet(t *testing.T) {
	t.Parallel()

	f := fixture(t)
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sheets := &fakeSheets{xlsx: buf.Bytes()}
	r, err := New(Config{SheetID: "master", OutputSheetID: "out"}, Deps{
		Pipeline: newPipeline(t),
		Sheets:   sheets,
		Clock:    testClock,
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), batchID, scan.JobSpec{Source: scan.SourceSheet, Limit: 1})
	require.NoError(t, err)
	require.NoError(t, res.SinkErr)
	require.Equal(t, scan.ModeTest, res.Batch.Mode)
	require.Len(t, res.Batch.Records, 1)
	require.Equal(t, "https://sheets.test/out", res.SheetLink)
	require.Empty(t, res.WorkbookPath)
	require.Equal(t, "out", sheets.output)
	require.Equal(t, "OK", sheets.written.Cell(0, productmap.ColURLStatus))
}

func TestRunSheetRefusesMasterAsOutput(t *testing.T) {
	t.Parallel()

	r, err := New(Config{SheetID: "same", OutputSheetID: "same"}, Deps{
		Pipeline: newPipeline(t),
		Sheets:   &fakeSheets{},
		Clock:    testClock,
	})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), batchID, scan.JobSpec{Source: scan.SourceSheet})
	require.Error(t, err)
}

func TestRunTargetsAndSinkFailures(t *testing.T) {
	t.Parallel()

	recs := &fakeRecords{}
	r, err := New(Config{}, Deps{Pipeline: newPipeline(t), Records: recs, Clock: testClock})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), batchID, scan.JobSpec{
		Source:  scan.SourceTargets,
		Targets: []scan.Target{{URL: "https://acme.test/w"}, {URL: "ftp://acme.test"}},
		Mode:    scan.ModeDebug,
	})
	require.NoError(t, err)
	require.Equal(t, scan.ModeDebug, res.Batch.Mode)
	require.Len(t, recs.records, 2)

	path := filepath.Join(t.TempDir(), "targets.xlsx")
	f := fixture(t)
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	mailer := &fakeMailer{err: errors.New("smtp down")}
	r, err = New(Config{WorkbookPath: path}, Deps{Pipeline: newPipeline(t), Mailer: mailer, Clock: testClock})
	require.NoError(t, err)
	res, err = r.Run(context.Background(), batchID, scan.JobSpec{Source: scan.SourceWorkbook})
	require.NoError(t, err)
	require.ErrorContains(t, res.SinkErr, "smtp down")
	require.False(t, res.Emailed)
	require.Equal(t, path, res.WorkbookPath)
}

func TestRunInputFailures(t *testing.T) {
	t.Parallel()

	r, err := New(Config{WorkbookPath: filepath.Join(t.TempDir(), "missing.xlsx")}, Deps{
		Pipeline: newPipeline(t),
		Clock:    testClock,
	})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), batchID, scan.JobSpec{Source: scan.SourceWorkbook})
	require.Error(t, err)

	_, err = r.Run(context.Background(), batchID, scan.JobSpec{Source: scan.SourceSheet})
	require.ErrorIs(t, err, ErrNoSource)

	_, err = r.Run(context.Background(), batchID, scan.JobSpec{Source: "ftp"})
	require.Error(t, err)

	_, err = New(Config{}, Deps{})
	require.Error(t, err)
}
