package pipeline

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/decisionlog"
	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/metrics"
	"github.com/JakeFAU/pricescan/internal/normalize"
	"github.com/JakeFAU/pricescan/internal/progress"
	"github.com/JakeFAU/pricescan/internal/scan"
)

// Batch is the result of one pipeline run.
type Batch struct {
	ID       string
	Mode     scan.RunMode
	Started  time.Time
	Finished time.Time
	// Records holds one record per target, in target order.
	Records []scan.CanonicalRecord
	Log     *decisionlog.Log
	// LogURI is empty when the decision log was not exported.
	LogURI   string
	LLMCalls int
}

// Counters tallies records by url status.
func (b *Batch) Counters() scan.JobCounters {
	var c scan.JobCounters
	for _, rec := range b.Records {
		c.Add(rec)
	}
	return c
}

// Summary is the batch-complete notification payload.
type Summary struct {
	BatchID  string         `json:"batch_id"`
	Mode     scan.RunMode   `json:"mode"`
	Started  time.Time      `json:"started_at"`
	Finished time.Time      `json:"finished_at"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_url_status"`
	ByMethod map[string]int `json:"by_method"`
	LLMCalls int            `json:"llm_calls"`
	LogURI   string         `json:"log_uri,omitempty"`
}

// Summary aggregates the batch for publishing.
func (b *Batch) Summary() Summary {
	byStatus := lo.CountValuesBy(b.Records, func(r scan.CanonicalRecord) string { return string(r.URLStatus) })
	byMethod := lo.CountValuesBy(
		lo.Filter(b.Records, func(r scan.CanonicalRecord, _ int) bool { return r.Method != scan.MethodNone }),
		func(r scan.CanonicalRecord) string { return string(r.Method) },
	)
	return Summary{
		BatchID:  b.ID,
		Mode:     b.Mode,
		Started:  b.Started,
		Finished: b.Finished,
		Total:    len(b.Records),
		ByStatus: byStatus,
		ByMethod: byMethod,
		LLMCalls: b.LLMCalls,
		LogURI:   b.LogURI,
	}
}

// batchRun is the per-batch state shared by the fetch slots. Each slot writes
// only its own record index.
type batchRun struct {
	p       *Pipeline
	batch   *Batch
	eventID [16]byte
	chain   *extract.Chain
}

func (r *batchRun) finish(i int, rec scan.CanonicalRecord) {
	r.batch.Records[i] = rec
	metrics.ObserveRecord(string(rec.URLStatus), string(rec.Method))
	r.p.deps.Emitter.Emit(progress.Event{
		BatchID:   r.eventID,
		TS:        rec.ScannedAt,
		Stage:     progress.StageRecordDone,
		Site:      metrics.SanitizeSite(rec.OriginalURL),
		URL:       rec.OriginalURL,
		URLStatus: rec.URLStatus,
		Method:    rec.Method,
		Note:      rec.ErrorMessage,
	})
}

// process turns one fetch outcome into a record inside the fetch slot.
func (r *batchRun) process(
	ctx context.Context,
	target scan.Target,
	req scan.FetchRequest,
	outcome scan.FetchOutcome,
) scan.CanonicalRecord {
	r.observeFetch(outcome)

	if !normalize.NeedsExtraction(outcome) {
		if r.canEscalate(req, outcome) {
			rendered := r.escalate(ctx, req, outcome, "empty body")
			if normalize.NeedsExtraction(rendered) {
				return r.extractAndNormalize(ctx, target, rendered, r.chain, []string{"render-js: escalated"})
			}
			outcome = rendered
		}
		return r.p.normalizer.Record(target, outcome, nil)
	}

	if !r.canEscalate(req, outcome) {
		return r.extractAndNormalize(ctx, target, outcome, r.chain, nil)
	}

	// A shell page is tried without the model first; the model only sees the
	// rendered page, or the original one if rendering fails.
	page := r.page(ctx, target, outcome)
	res := r.chain.WithoutLLM().Extract(ctx, page)
	if res.Found() {
		return r.normalize(target, outcome, res)
	}
	rendered := r.escalate(ctx, req, outcome, "no signal on unrendered page")
	if normalize.NeedsExtraction(rendered) {
		return r.extractAndNormalize(ctx, target, rendered, r.chain, []string{"render-js: escalated"})
	}
	res = r.chain.Extract(ctx, page)
	res.Notes = append(res.Notes, "render-js: failed")
	return r.normalize(target, outcome, res)
}

func (r *batchRun) canEscalate(req scan.FetchRequest, outcome scan.FetchOutcome) bool {
	return r.p.cfg.RenderJSFallback &&
		!req.RenderJS &&
		r.p.deps.Detector != nil &&
		r.p.deps.Detector.ShouldRender(outcome)
}

// escalate re-fetches with rendering in the same slot. Attempts accumulate.
func (r *batchRun) escalate(
	ctx context.Context,
	req scan.FetchRequest,
	first scan.FetchOutcome,
	reason string,
) scan.FetchOutcome {
	metrics.ObserveRenderEscalation()
	r.batch.Log.Record(decisionlog.CtxRender, "Re-fetching with JavaScript rendering", map[string]any{
		"url":    req.URL,
		"reason": reason,
	})
	renderReq := req
	renderReq.RenderJS = true
	rendered := r.p.deps.Fetcher.Fetch(ctx, renderReq)
	r.observeFetch(rendered)
	rendered.Attempts += first.Attempts
	rendered.Elapsed += first.Elapsed
	return rendered
}

func (r *batchRun) extractAndNormalize(
	ctx context.Context,
	target scan.Target,
	outcome scan.FetchOutcome,
	chain *extract.Chain,
	notes []string,
) scan.CanonicalRecord {
	res := chain.Extract(ctx, r.page(ctx, target, outcome))
	res.Notes = append(res.Notes, notes...)
	return r.normalize(target, outcome, res)
}

func (r *batchRun) normalize(target scan.Target, outcome scan.FetchOutcome, res scan.ExtractionResult) scan.CanonicalRecord {
	rec := r.p.normalizer.Record(target, outcome, &res)
	extra := map[string]any{
		"row":        target.Row,
		"product_id": target.ProductID,
		"method":     string(res.Method),
		"url_status": string(rec.URLStatus),
	}
	if rec.Price.Valid {
		extra["price"] = rec.Price.Decimal.StringFixed(2)
	}
	if res.StockState.Known() {
		extra["stock"] = string(res.StockState)
	}
	if len(res.Notes) > 0 {
		extra["notes"] = res.Notes
	}
	r.batch.Log.Record(decisionlog.CtxExtract, "Extraction finished via "+string(res.Method), extra)
	if res.Method == scan.MethodLLMFallback || res.Method == scan.MethodLLMFailed {
		r.batch.Log.Record(decisionlog.CtxLLM, "Language-model fallback invoked", map[string]any{
			"url":    target.URL,
			"result": string(res.Method),
		})
	}
	return rec
}

func (r *batchRun) page(ctx context.Context, target scan.Target, outcome scan.FetchOutcome) *extract.Page {
	if r.p.cfg.SnapshotPages {
		uri, err := r.p.snapshot(ctx, r.batch.ID, outcome.Body)
		if err != nil {
			r.p.logger.Warn("page snapshot failed", zap.String("url", outcome.RequestedURL), zap.Error(err))
		} else {
			r.batch.Log.Record(decisionlog.CtxSnapshot, "Stored page snapshot", map[string]any{
				"url": outcome.RequestedURL,
				"uri": uri,
			})
		}
	}
	return extract.NewPage(string(outcome.Body), outcome.ResolvedURL, target)
}

func (r *batchRun) observeFetch(outcome scan.FetchOutcome) {
	extra := map[string]any{
		"url":         outcome.RequestedURL,
		"status":      outcome.HTTPStatus,
		"attempts":    outcome.Attempts,
		"elapsed_ms":  outcome.Elapsed.Milliseconds(),
		"body_bytes":  len(outcome.Body),
		"resolved_to": outcome.ResolvedURL,
	}
	msg := "Fetch succeeded"
	if outcome.Err != nil {
		msg = "Fetch failed"
		extra["error"] = outcome.Err.Message
		extra["error_kind"] = string(outcome.Err.Kind)
	}
	r.batch.Log.Record(decisionlog.CtxFetch, msg, extra)

	evt := progress.Event{
		BatchID:     r.eventID,
		TS:          r.p.deps.Clock.Now(),
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(outcome.RequestedURL),
		URL:         outcome.RequestedURL,
		Bytes:       int64(len(outcome.Body)),
		Attempts:    outcome.Attempts,
		StatusClass: progress.ClassifyStatus(outcome.HTTPStatus),
		Dur:         outcome.Elapsed,
	}
	if outcome.Err != nil {
		evt.Note = outcome.Err.Message
	}
	r.p.deps.Emitter.Emit(evt)
}
