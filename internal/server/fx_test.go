package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/config"
	memorypublisher "github.com/JakeFAU/pricescan/internal/publisher/memory"
	"github.com/JakeFAU/pricescan/internal/scan"
)

const productPage = `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"Widget",
 "offers":{"@type":"Offer","price":"19.99","priceCurrency":"USD","availability":"https://schema.org/InStock"}}
</script></head><body><h1>Widget</h1></body></html>`

func newProxy(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "bee-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Spb-Resolved-Url", r.URL.Query().Get("url"))
		_, _ = w.Write([]byte(productPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, proxyURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ScrapingBee.APIKey = "bee-key"
	cfg.ScrapingBee.Endpoint = proxyURL
	cfg.Fetch.BackoffBase = time.Millisecond
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Fetch.Concurrency = 2
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func TestBuildScanTargets(t *testing.T) {
	proxy := newProxy(t)
	app := buildApp(t, testConfig(t, proxy.URL))

	res, err := app.Scan(context.Background(), scan.JobSpec{
		Source: scan.SourceTargets,
		Targets: []scan.Target{
			{Row: 1, ProductID: "p-1", RetailerKey: "shop", URL: "https://shop.example.com/widget"},
			{Row: 2, ProductID: "p-2", RetailerKey: "shop"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, res.SinkErr)
	require.Len(t, res.Batch.Records, 2)

	first := res.Batch.Records[0]
	require.Equal(t, scan.URLStatusOK, first.URLStatus)
	require.Equal(t, scan.MethodStructuredData, first.Method)
	require.Equal(t, scan.StockInStock, first.StockState)
	require.True(t, first.Price.Valid)
	require.True(t, first.Price.Decimal.Equal(decimal.RequireFromString("19.99")))
	require.Equal(t, "https://shop.example.com/widget", first.ResolvedURL)

	require.Equal(t, scan.URLStatusMissing, res.Batch.Records[1].URLStatus)

	pub, ok := app.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	summary, ok := pub.Last(res.Batch.ID)
	require.True(t, ok)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.ByStatus[string(scan.URLStatusOK)])
	require.Len(t, pub.Summaries(localSummaryTopic), 1)
}

func TestExtractSingleURL(t *testing.T) {
	proxy := newProxy(t)
	app := buildApp(t, testConfig(t, proxy.URL))

	batch, err := app.Extract(context.Background(), scan.Target{ProductID: "adhoc", URL: "https://shop.example.com/widget"})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, scan.StockInStock, batch.Records[0].StockState)
}

func TestScanWithoutSourceFails(t *testing.T) {
	proxy := newProxy(t)
	app := buildApp(t, testConfig(t, proxy.URL))

	_, err := app.Scan(context.Background(), scan.JobSpec{Source: scan.SourceWorkbook})
	require.ErrorContains(t, err, "workbook path")
}

func TestHandlerHealth(t *testing.T) {
	proxy := newProxy(t)
	app := buildApp(t, testConfig(t, proxy.URL))

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	proxy := newProxy(t)
	cfg := testConfig(t, proxy.URL)
	cfg.Serve.Schedule = "every day at six"

	_, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.ErrorContains(t, err, "schedule: parse")
}

func TestScheduledSpecPrefersWorkbook(t *testing.T) {
	proxy := newProxy(t)
	cfg := testConfig(t, proxy.URL)
	cfg.Input.WorkbookPath = "/data/targets.xlsx"
	cfg.Input.Limit = 5
	cfg.Serve.Schedule = "0 6 * * *"
	app := buildApp(t, cfg)

	require.NotNil(t, app.scheduler)
	require.Equal(t, scan.JobSpec{Source: scan.SourceWorkbook, Limit: 5}, app.scheduledSpec())
}

func TestRunStopsOnCancel(t *testing.T) {
	proxy := newProxy(t)
	cfg := testConfig(t, proxy.URL)
	cfg.Server.Port = 0
	app := buildApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, app.Close(context.Background()))
}
