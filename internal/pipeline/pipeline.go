// Package pipeline runs one batch of targets through the fetch orchestrator,
// the extraction chain and the record normalizer, producing records in input
// order together with the batch's decision log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/decisionlog"
	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/normalize"
	"github.com/JakeFAU/pricescan/internal/orchestrator"
	"github.com/JakeFAU/pricescan/internal/progress"
	"github.com/JakeFAU/pricescan/internal/scan"
)

const exportTimeout = 30 * time.Second

// Config holds the operator parameters for one pipeline.
type Config struct {
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
	Timeout     time.Duration
	// RenderJS asks the proxy to render every page.
	RenderJS bool
	// RenderJSFallback re-fetches JavaScript shells with rendering enabled.
	RenderJSFallback bool
	SnapshotPages    bool
	PagePrefix       string
	LogPrefix        string
	// LLMMaxCalls caps language-model calls per batch; 0 is unlimited.
	LLMMaxCalls int
}

// Deps are the collaborators a Pipeline needs. Fetcher, Chain, Clock and IDs
// are required.
type Deps struct {
	Fetcher  scan.Fetcher
	Chain    *extract.Chain
	Detector scan.JSShellDetector
	Blobs    scan.BlobStore
	Hasher   scan.Hasher
	IDs      scan.IDGenerator
	Clock    scan.Clock
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// Pipeline scans batches. It is safe to run several batches concurrently.
type Pipeline struct {
	cfg        Config
	deps       Deps
	orch       *orchestrator.Orchestrator
	normalizer *normalize.Normalizer
	logger     *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Chain == nil:
		return nil, errors.New("pipeline: extraction chain is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if cfg.SnapshotPages && (deps.Blobs == nil || deps.Hasher == nil) {
		return nil, errors.New("pipeline: page snapshots need a blob store and hasher")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		orch:       orchestrator.New(deps.Fetcher, cfg.Concurrency, deps.Logger.Named("orchestrator")),
		normalizer: normalize.New(deps.Clock),
		logger:     deps.Logger,
	}, nil
}

// Run scans targets under a freshly generated batch id.
func (p *Pipeline) Run(ctx context.Context, targets []scan.Target, mode scan.RunMode) (*Batch, error) {
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("new batch id: %w", err)
	}
	return p.RunBatch(ctx, id, targets, mode), nil
}

// RunBatch scans targets under batchID. It always returns one record per
// target in input order; per-URL failures live in the records. When ctx is
// cancelled every unfinished target resolves to a "cancelled" record.
func (p *Pipeline) RunBatch(ctx context.Context, batchID string, targets []scan.Target, mode scan.RunMode) *Batch {
	ctx, span := otel.Tracer("pricescan/pipeline").Start(ctx, "pipeline.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("batch.mode", string(mode)),
		attribute.Int("batch.targets", len(targets)),
	)

	b := &Batch{
		ID:      batchID,
		Mode:    mode,
		Started: p.deps.Clock.Now(),
		Records: make([]scan.CanonicalRecord, len(targets)),
		Log:     decisionlog.New(batchID, mode, p.deps.Clock, p.logger.Named("decisions")),
	}
	budget := extract.NewBudget(p.cfg.LLMMaxCalls)
	run := &batchRun{
		p:       p,
		batch:   b,
		eventID: progress.BatchIDBytes(batchID),
		chain:   p.deps.Chain.WithBudget(budget),
	}

	p.deps.Emitter.Emit(progress.Event{BatchID: run.eventID, TS: b.Started, Stage: progress.StageBatchStart})
	b.Log.Record(decisionlog.CtxBatch, "Batch started", map[string]any{
		"targets":     len(targets),
		"concurrency": p.orch.Concurrency(),
		"max_retries": p.cfg.MaxRetries,
		"llm_enabled": p.deps.Chain.LLMEnabled(),
	})

	reqs := make([]scan.FetchRequest, 0, len(targets))
	slots := make([]int, 0, len(targets))
	for i, t := range targets {
		if !normalize.IsFetchable(t.URL) {
			rec := p.normalizer.MissingURL(t)
			b.Log.Record(decisionlog.CtxPrefilter, "Skipping target without a fetchable URL", map[string]any{
				"row":        t.Row,
				"product_id": t.ProductID,
				"url":        t.URL,
			})
			run.finish(i, rec)
			continue
		}
		reqs = append(reqs, p.request(t.URL, p.cfg.RenderJS))
		slots = append(slots, i)
	}

	p.orch.FetchEach(ctx, reqs, func(ctx context.Context, j int, outcome scan.FetchOutcome) {
		i := slots[j]
		run.finish(i, run.process(ctx, targets[i], reqs[j], outcome))
	})

	b.Finished = p.deps.Clock.Now()
	b.LLMCalls = budget.Used()
	counters := b.Counters()
	b.Log.Record(decisionlog.CtxBatch, "Batch finished", map[string]any{
		"total":     counters.Total,
		"ok":        counters.OK,
		"errors":    counters.Errors,
		"missing":   counters.Missing,
		"llm_calls": b.LLMCalls,
	})
	p.exportLog(ctx, b)

	done := progress.Event{BatchID: run.eventID, TS: b.Finished, Dur: b.Finished.Sub(b.Started)}
	if err := ctx.Err(); err != nil {
		done.Stage = progress.StageBatchError
		done.Note = err.Error()
	} else {
		done.Stage = progress.StageBatchDone
	}
	p.deps.Emitter.Emit(done)
	span.SetAttributes(attribute.Int("batch.ok", counters.OK), attribute.Int("batch.errors", counters.Errors))
	return b
}

func (p *Pipeline) request(url string, renderJS bool) scan.FetchRequest {
	return scan.FetchRequest{
		URL:         url,
		Timeout:     p.cfg.Timeout,
		MaxRetries:  p.cfg.MaxRetries,
		BackoffBase: p.cfg.BackoffBase,
		RenderJS:    renderJS,
	}
}

func (p *Pipeline) exportLog(ctx context.Context, b *Batch) {
	if p.deps.Blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
	defer cancel()
	uri, err := b.Log.Export(ctx, p.deps.Blobs, p.cfg.LogPrefix)
	if err != nil {
		p.logger.Warn("decision log export failed", zap.String("batch_id", b.ID), zap.Error(err))
		return
	}
	b.LogURI = uri
}

func (p *Pipeline) snapshot(ctx context.Context, batchID string, body []byte) (string, error) {
	digest, err := p.deps.Hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	key := path.Join(p.cfg.PagePrefix, batchID, digest+".html")
	uri, err := p.deps.Blobs.PutObject(ctx, key, "text/html; charset=utf-8", body)
	if err != nil {
		return "", fmt.Errorf("store page snapshot: %w", err)
	}
	return uri, nil
}
