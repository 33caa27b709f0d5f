package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/clock/system"
	"github.com/JakeFAU/pricescan/internal/decisionlog"
	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/hash/sha256"
	"github.com/JakeFAU/pricescan/internal/headless/detector"
	"github.com/JakeFAU/pricescan/internal/id/uuid"
	"github.com/JakeFAU/pricescan/internal/progress"
	"github.com/JakeFAU/pricescan/internal/scan"
)

const structuredPage = `<html><head><script type="application/ld+json">
{"@type":"Product","name":"Widget","offers":{"@type":"Offer","price":"19.99","availability":"https://schema.org/InStock"}}
</script></head><body><h1>Widget</h1></body></html>`

const shellPage = `<html><body><div id="root"></div><script src="/app.js"></script></body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	calls []scan.FetchRequest
	fn    func(req scan.FetchRequest) scan.FetchOutcome
}

func (f *fakeFetcher) Fetch(ctx context.Context, req scan.FetchRequest) scan.FetchOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return scan.CancelledOutcome(req.URL, err)
	}
	return f.fn(req)
}

func (f *fakeFetcher) Calls() []scan.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scan.FetchRequest(nil), f.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Events() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = data
	return "mem://" + path, nil
}

func (m *memBlobs) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func ok(req scan.FetchRequest, body string) scan.FetchOutcome {
	return scan.FetchOutcome{
		RequestedURL: req.URL,
		ResolvedURL:  req.URL,
		HTTPStatus:   200,
		Body:         []byte(body),
		Attempts:     1,
		Elapsed:      10 * time.Millisecond,
	}
}

func newPipeline(t *testing.T, cfg Config, fetcher scan.Fetcher, mutate func(*Deps)) *Pipeline {
	t.Helper()
	deps := Deps{
		Fetcher: fetcher,
		Chain:   extract.New(extract.Config{}, nil),
		IDs:     uuid.New(),
		Clock:   system.Fixed{At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		Logger:  zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return p
}

func TestRunPreservesOrderAndMapsOutcomes(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(req scan.FetchRequest) scan.FetchOutcome {
		switch {
		case strings.Contains(req.URL, "forbidden"):
			return scan.FetchOutcome{
				RequestedURL: req.URL, ResolvedURL: req.URL, HTTPStatus: 403, Attempts: 1,
				Err: scan.NewFetchError(scan.KindTerminalProxyAuth, nil, "ScrapingBee error: HTTP 403"),
			}
		case strings.Contains(req.URL, "gone"):
			out := ok(req, "<html><body><p>This page has moved.</p></body></html>")
			out.HTTPStatus = 404
			return out
		case strings.Contains(req.URL, "empty"):
			return ok(req, "")
		default:
			return ok(req, structuredPage)
		}
	}}
	p := newPipeline(t, Config{Concurrency: 3, MaxRetries: 3}, fetcher, nil)

	targets := []scan.Target{
		{Row: 2, ProductID: "A", URL: "https://acme.test/widget"},
		{Row: 3, ProductID: "B", URL: ""},
		{Row: 4, ProductID: "C", URL: "https://acme.test/forbidden"},
		{Row: 5, ProductID: "D", URL: "https://acme.test/gone"},
		{Row: 6, ProductID: "E", URL: "not a url"},
		{Row: 7, ProductID: "F", URL: "https://acme.test/empty"},
	}
	b, err := p.Run(context.Background(), targets, scan.ModeProd)
	require.NoError(t, err)
	require.Len(t, b.Records, len(targets))

	for i, rec := range b.Records {
		require.Equal(t, targets[i].ProductID, rec.ProductID)
	}
	require.Equal(t, scan.URLStatusOK, b.Records[0].URLStatus)
	require.True(t, b.Records[0].Price.Decimal.Equal(decimal.RequireFromString("19.99")))
	require.Equal(t, scan.MethodStructuredData, b.Records[0].Method)

	require.Equal(t, scan.URLStatusMissing, b.Records[1].URLStatus)
	require.Equal(t, scan.URLStatusMissing, b.Records[4].URLStatus)

	require.Equal(t, scan.URLStatusError, b.Records[2].URLStatus)
	require.Equal(t, "ScrapingBee error: HTTP 403", b.Records[2].ErrorMessage)
	require.Equal(t, scan.MethodNone, b.Records[2].Method)

	require.Equal(t, scan.URLStatusError, b.Records[3].URLStatus)
	require.Equal(t, scan.MsgNoPriceStock, b.Records[3].ErrorMessage)
	require.Equal(t, scan.MethodChainExhausted, b.Records[3].Method)
	require.Equal(t, 404, b.Records[3].HTTPStatus)

	require.Equal(t, scan.MsgEmptyContent, b.Records[5].ErrorMessage)

	require.Len(t, fetcher.Calls(), 4, "missing URLs never reach the fetcher")
	for _, call := range fetcher.Calls() {
		require.Equal(t, 3, call.MaxRetries)
		require.False(t, call.RenderJS)
	}
	require.Equal(t, scan.JobCounters{Total: 6, OK: 1, Errors: 3, Missing: 2}, b.Counters())
	require.Len(t, b.Log.Filter(decisionlog.CtxPrefilter, ""), 2)
}

func TestRunEscalatesShellPages(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(req scan.FetchRequest) scan.FetchOutcome {
		if req.RenderJS {
			out := ok(req, structuredPage)
			out.Attempts = 2
			return out
		}
		return ok(req, shellPage)
	}}
	p := newPipeline(t, Config{Concurrency: 1, RenderJSFallback: true}, fetcher, func(d *Deps) {
		d.Detector = detector.NewHeuristic(0)
	})

	b, err := p.Run(context.Background(), []scan.Target{{ProductID: "A", URL: "https://spa.test/p/1"}}, scan.ModeDebug)
	require.NoError(t, err)
	rec := b.Records[0]
	require.Equal(t, scan.URLStatusOK, rec.URLStatus)
	require.Equal(t, scan.MethodStructuredData, rec.Method)
	require.Equal(t, 3, rec.Attempts)
	require.Contains(t, rec.Notes, "render-js: escalated")

	calls := fetcher.Calls()
	require.Len(t, calls, 2)
	require.False(t, calls[0].RenderJS)
	require.True(t, calls[1].RenderJS)
	require.Len(t, b.Log.Filter(decisionlog.CtxRender, ""), 1)
}

func TestRunDoesNotEscalateWhenDisabled(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(req scan.FetchRequest) scan.FetchOutcome { return ok(req, shellPage) }}
	p := newPipeline(t, Config{Concurrency: 1}, fetcher, func(d *Deps) {
		d.Detector = detector.NewHeuristic(0)
	})
	b, err := p.Run(context.Background(), []scan.Target{{URL: "https://spa.test/p/1"}}, scan.ModeProd)
	require.NoError(t, err)
	require.Len(t, fetcher.Calls(), 1)
	require.Equal(t, scan.MethodChainExhausted, b.Records[0].Method)
}

func TestRunCancelledResolvesEveryTarget(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(req scan.FetchRequest) scan.FetchOutcome { return ok(req, structuredPage) }}
	emitter := &recordingEmitter{}
	p := newPipeline(t, Config{Concurrency: 2}, fetcher, func(d *Deps) { d.Emitter = emitter })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	targets := []scan.Target{
		{ProductID: "A", URL: "https://acme.test/1"},
		{ProductID: "B", URL: "https://acme.test/2"},
		{ProductID: "C"},
		{ProductID: "D", URL: "https://acme.test/4"},
	}
	b, err := p.Run(ctx, targets, scan.ModeProd)
	require.NoError(t, err)
	require.Len(t, b.Records, 4)
	for i, rec := range b.Records {
		if i == 2 {
			require.Equal(t, scan.URLStatusMissing, rec.URLStatus)
			continue
		}
		require.Equal(t, scan.URLStatusError, rec.URLStatus)
		require.Equal(t, scan.MsgCancelled, rec.ErrorMessage)
	}
	events := emitter.Events()
	require.Equal(t, progress.StageBatchError, events[len(events)-1].Stage)
}

func TestRunEmitsProgressAndExportsLog(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(req scan.FetchRequest) scan.FetchOutcome { return ok(req, structuredPage) }}
	emitter := &recordingEmitter{}
	blobs := &memBlobs{}
	cfg := Config{Concurrency: 2, SnapshotPages: true, PagePrefix: "pages", LogPrefix: "logs"}
	p := newPipeline(t, cfg, fetcher, func(d *Deps) {
		d.Emitter = emitter
		d.Blobs = blobs
		d.Hasher = sha256.New()
	})

	targets := []scan.Target{
		{ProductID: "A", URL: "https://acme.test/1"},
		{ProductID: "B", URL: "https://shop.test/2"},
		{ProductID: "C"},
	}
	b, err := p.Run(context.Background(), targets, scan.ModeTest)
	require.NoError(t, err)

	events := emitter.Events()
	require.Equal(t, progress.StageBatchStart, events[0].Stage)
	require.Equal(t, progress.StageBatchDone, events[len(events)-1].Stage)
	var fetches, records int
	for _, evt := range events {
		require.NoError(t, evt.Validate())
		switch evt.Stage {
		case progress.StageFetchDone:
			fetches++
		case progress.StageRecordDone:
			records++
		}
	}
	require.Equal(t, 2, fetches)
	require.Equal(t, 3, records)

	expectedLog := "logs/test/date=2024-05-01/hour=12/retail_selector_" + b.ID + ".jsonl"
	require.Equal(t, "mem://"+expectedLog, b.LogURI)
	require.Contains(t, blobs.Keys(), expectedLog)
	// Both pages share a body, so a single snapshot object is written.
	var snapshots int
	for _, k := range blobs.Keys() {
		if strings.HasPrefix(k, "pages/"+b.ID+"/") {
			snapshots++
		}
	}
	require.Equal(t, 1, snapshots)
	require.Len(t, b.Log.Filter(decisionlog.CtxSnapshot, ""), 2)

	summary := b.Summary()
	require.Equal(t, 3, summary.Total)
	require.Equal(t, map[string]int{"OK": 2, "MISSING_URL": 1}, summary.ByStatus)
	require.Equal(t, map[string]int{"structured-data": 2}, summary.ByMethod)
	require.Equal(t, b.LogURI, summary.LogURI)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	fetcher := &fakeFetcher{}
	_, err = New(Config{SnapshotPages: true}, Deps{
		Fetcher: fetcher,
		Chain:   extract.New(extract.Config{}, nil),
		IDs:     uuid.New(),
		Clock:   system.New(),
	})
	require.ErrorContains(t, err, "snapshots")
}
