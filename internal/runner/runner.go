// Package runner executes one scan end to end: load targets from a source,
// run the pipeline, then hand the records to every configured sink.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/decisionlog"
	"github.com/JakeFAU/pricescan/internal/notify/email"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/productmap"
	"github.com/JakeFAU/pricescan/internal/scan"
	"github.com/JakeFAU/pricescan/internal/workbook"
)

const defaultAttachmentName = "retail_selector.xlsx"

// ErrNoSource is returned when a job names a source that is not configured.
var ErrNoSource = errors.New("runner: input source not configured")

// SheetClient is the subset of gsheet.Client the runner uses.
type SheetClient interface {
	ReadProductMap(ctx context.Context, sheetID string) (*productmap.Table, error)
	WriteProductMap(ctx context.Context, masterID, outputID string, table *productmap.Table) (string, error)
	ExportXLSX(ctx context.Context, sheetID string) ([]byte, error)
}

// Mailer sends the scanned workbook.
type Mailer interface {
	SendWorkbook(ctx context.Context, generatedAt time.Time, attachment email.Attachment) error
}

// Config selects sources and sinks.
type Config struct {
	WorkbookPath  string
	SheetID       string
	OutputSheetID string
	SummaryTopic  string
}

// Deps are optional sinks; a nil sink is skipped.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Sheets    SheetClient
	Mailer    Mailer
	Publisher scan.Publisher
	Records   scan.RecordStore
	Clock     scan.Clock
	Logger    *zap.Logger
}

// Result describes a finished scan.
type Result struct {
	Batch        *pipeline.Batch
	WorkbookPath string
	SheetLink    string
	Emailed      bool
	// SinkErr joins every sink failure. Sink failures never discard records.
	SinkErr error
}

// Runner executes scan jobs.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds a Runner. Pipeline and Clock are required.
func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("runner: pipeline is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("runner: clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// Run scans spec under batchID. An error means the batch could not run at
// all (the input failed to load); per-URL failures live in the records.
func (r *Runner) Run(ctx context.Context, batchID string, spec scan.JobSpec) (*Result, error) {
	mode := spec.Mode
	if mode == "" {
		mode = scan.ModeProd
		if spec.Limit > 0 {
			mode = scan.ModeTest
		}
	}
	switch spec.Source {
	case scan.SourceWorkbook:
		if r.cfg.WorkbookPath == "" {
			return nil, fmt.Errorf("%w: workbook path", ErrNoSource)
		}
		wb, err := workbook.Open(r.cfg.WorkbookPath)
		if err != nil {
			return nil, err
		}
		defer wb.Close()
		return r.runWorkbook(ctx, batchID, wb, spec.Limit, mode, false)
	case scan.SourceSheet:
		return r.runSheet(ctx, batchID, spec.Limit, mode)
	case scan.SourceTargets, "":
		batch := r.deps.Pipeline.RunBatch(ctx, batchID, spec.Targets, mode)
		res := &Result{Batch: batch}
		res.SinkErr = r.publishAndStore(ctx, batch)
		return res, nil
	default:
		return nil, fmt.Errorf("runner: unknown source %q", spec.Source)
	}
}

func (r *Runner) runSheet(ctx context.Context, batchID string, limit int, mode scan.RunMode) (*Result, error) {
	if r.deps.Sheets == nil || r.cfg.SheetID == "" {
		return nil, fmt.Errorf("%w: google sheet", ErrNoSource)
	}
	if r.cfg.OutputSheetID != "" && r.cfg.OutputSheetID == r.cfg.SheetID {
		return nil, errors.New("runner: output sheet id equals master sheet id")
	}
	if _, err := r.deps.Sheets.ReadProductMap(ctx, r.cfg.SheetID); err != nil {
		return nil, err
	}
	data, err := r.deps.Sheets.ExportXLSX(ctx, r.cfg.SheetID)
	if err != nil {
		return nil, err
	}
	wb, err := workbook.FromBytes(data, r.cfg.WorkbookPath)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	return r.runWorkbook(ctx, batchID, wb, limit, mode, true)
}

func (r *Runner) runWorkbook(
	ctx context.Context,
	batchID string,
	wb *workbook.Workbook,
	limit int,
	mode scan.RunMode,
	fromSheet bool,
) (*Result, error) {
	table, err := wb.ProductMap()
	if err != nil {
		return nil, err
	}
	targets, err := table.Targets(limit)
	if err != nil {
		return nil, err
	}
	r.logger.Info("scanning product map",
		zap.String("batch_id", batchID),
		zap.Int("targets", len(targets)),
		zap.Int("limit", limit),
		zap.String("mode", string(mode)),
	)

	batch := r.deps.Pipeline.RunBatch(ctx, batchID, targets, mode)
	res := &Result{Batch: batch}
	// Sinks run even when the batch was cancelled, so partial results land.
	ctx = context.WithoutCancel(ctx)
	var sinkErrs []error
	fail := func(err error) {
		r.logger.Warn("sink failed", zap.String("batch_id", batch.ID), zap.Error(err))
		sinkErrs = append(sinkErrs, err)
	}

	if skipped := table.Apply(batch.Records); skipped > 0 {
		r.logger.Warn("records without a product map row", zap.Int("skipped", skipped))
	}
	if err := wb.SetProductMap(table); err != nil {
		fail(err)
	}
	if wb.Path() != "" {
		if err := wb.Save(); err != nil {
			fail(err)
		} else {
			res.WorkbookPath = wb.Path()
			batch.Log.Record(decisionlog.CtxSink, "Workbook saved", map[string]any{"path": wb.Path()})
		}
	}

	if fromSheet && r.cfg.OutputSheetID != "" {
		link, err := r.deps.Sheets.WriteProductMap(ctx, r.cfg.SheetID, r.cfg.OutputSheetID, table)
		if err != nil {
			fail(err)
		} else {
			res.SheetLink = link
			batch.Log.Record(decisionlog.CtxSink, "Output sheet updated", map[string]any{"link": link})
		}
	}

	if r.deps.Mailer != nil {
		if err := r.mail(ctx, wb); err != nil {
			fail(err)
		} else {
			res.Emailed = true
			batch.Log.Record(decisionlog.CtxSink, "Workbook emailed", nil)
		}
	}

	if err := r.publishAndStore(ctx, batch); err != nil {
		sinkErrs = append(sinkErrs, err)
	}
	res.SinkErr = errors.Join(sinkErrs...)
	return res, nil
}

func (r *Runner) mail(ctx context.Context, wb *workbook.Workbook) error {
	data, err := wb.Bytes()
	if err != nil {
		return err
	}
	name := defaultAttachmentName
	if wb.Path() != "" {
		name = filepath.Base(wb.Path())
	}
	return r.deps.Mailer.SendWorkbook(ctx, r.deps.Clock.Now(), email.Attachment{Name: name, Data: data})
}

// publishAndStore persists records and announces the batch summary.
func (r *Runner) publishAndStore(ctx context.Context, batch *pipeline.Batch) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if r.deps.Records != nil {
		if err := r.deps.Records.StoreRecords(ctx, batch.ID, batch.Records); err != nil {
			errs = append(errs, fmt.Errorf("store records: %w", err))
		} else {
			batch.Log.Record(decisionlog.CtxSink, "Records stored", map[string]any{"count": len(batch.Records)})
		}
	}
	if r.deps.Publisher != nil && r.cfg.SummaryTopic != "" {
		id, err := r.deps.Publisher.Publish(ctx, r.cfg.SummaryTopic, batch.Summary())
		if err != nil {
			errs = append(errs, fmt.Errorf("publish summary: %w", err))
		} else {
			batch.Log.Record(decisionlog.CtxSink, "Summary published", map[string]any{
				"topic":      r.cfg.SummaryTopic,
				"message_id": id,
			})
		}
	}
	for _, err := range errs {
		r.logger.Warn("sink failed", zap.String("batch_id", batch.ID), zap.Error(err))
	}
	return errors.Join(errs...)
}
