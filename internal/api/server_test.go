package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/clock/system"
	"github.com/JakeFAU/pricescan/internal/dispatcher"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	queueMemory "github.com/JakeFAU/pricescan/internal/queue/memory"
	"github.com/JakeFAU/pricescan/internal/scan"
	storeMemory "github.com/JakeFAU/pricescan/internal/storage/memory"
)

func TestServer_SubmitScan_Targets(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	body := `{"targets":[
		{"product_id":"p1","retailer_key":"target","url":"https://www.target.com/p/1"},
		{"product_id":"p2","retailer_key":"walmart","url":""}
	]}`
	rec := env.do(http.MethodPost, "/v1/scans", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp["scan_id"])

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, scan.SourceTargets, item.Spec.Source)
	require.Equal(t, []scan.Target{
		{Row: 0, ProductID: "p1", RetailerKey: "target", URL: "https://www.target.com/p/1"},
		{Row: 1, ProductID: "p2", RetailerKey: "walmart"},
	}, item.Spec.Targets)

	job, err := env.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusQueued, job.Status)
}

func TestServer_SubmitScan_SourceWithLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	rec := env.do(http.MethodPost, "/v1/scans", `{"source":"workbook","limit":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, scan.JobSpec{Source: scan.SourceWorkbook, Limit: 5}, item.Spec)
}

func TestServer_SubmitScan_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: `{`, want: "invalid JSON"},
		{name: "unknown field", body: `{"urls":["https://example.com"]}`, want: "invalid JSON"},
		{name: "no targets", body: `{"targets":[]}`, want: "targets required"},
		{name: "bad source", body: `{"source":"ftp"}`, want: `invalid source: failed "oneof"`},
		{name: "bad mode", body: `{"source":"sheet","mode":"staging"}`, want: `invalid mode: failed "oneof"`},
		{name: "missing product id", body: `{"targets":[{"url":"https://example.com"}]}`,
			want: `invalid product_id: failed "required"`},
		{name: "bad url", body: `{"targets":[{"product_id":"p1","url":"not a url"}]}`,
			want: `invalid url: failed "url"`},
		{name: "targets with workbook", body: `{"source":"workbook","targets":[{"product_id":"p1"}]}`,
			want: `targets not allowed with source "workbook"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := newTestEnv().do(http.MethodPost, "/v1/scans", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tt.want, decodeError(t, rec))
		})
	}
}

func TestServer_SubmitScan_QueueClosed(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	env.queue.Close()
	rec := env.do(http.MethodPost, "/v1/scans", `{"source":"sheet"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	job, err := env.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusFailed, job.Status)
}

func TestServer_GetScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	require.NoError(t, env.jobs.CreateJob(ctx, scan.Job{ID: "job-9", Status: scan.JobStatusQueued}))
	records := []scan.CanonicalRecord{{
		ProductID:  "p1",
		Price:      decimal.NewNullDecimal(decimal.RequireFromString("19.99")),
		StockState: scan.StockInStock,
		Method:     scan.MethodStructuredData,
		URLStatus:  scan.URLStatusOK,
	}}
	entries := []scan.LogEntry{{Context: "batch", Message: "started"}}
	require.NoError(t, env.jobs.SaveResult(ctx, "job-9", records, entries, "memory://logs/job-9.jsonl"))
	require.NoError(t, env.jobs.UpdateJobStatus(ctx, "job-9", scan.JobStatusSucceeded, "",
		scan.JobCounters{Total: 1, OK: 1}))

	rec := env.do(http.MethodGet, "/v1/scans/job-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Scan scan.Job `json:"scan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, scan.JobStatusSucceeded, status.Scan.Status)
	require.Equal(t, scan.JobCounters{Total: 1, OK: 1}, status.Scan.Counters)

	rec = env.do(http.MethodGet, "/v1/scans/job-9/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs struct {
		Records []scan.CanonicalRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs.Records, 1)
	require.Equal(t, "19.99", recs.Records[0].Price.Decimal.StringFixed(2))

	rec = env.do(http.MethodGet, "/v1/scans/job-9/log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logResp struct {
		LogURI  string          `json:"log_uri"`
		Entries []scan.LogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logResp))
	require.Equal(t, "memory://logs/job-9.jsonl", logResp.LogURI)
	require.Len(t, logResp.Entries, 1)
}

func TestServer_GetScan_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	for _, path := range []string{"/v1/scans/missing", "/v1/scans/missing/records", "/v1/scans/missing/log"} {
		rec := env.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestServer_Extract(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	rec := env.do(http.MethodPost, "/v1/extract",
		`{"url":"https://shop.example.com/p/42","description":"Widget","retailer_key":"example"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		BatchID string               `json:"batch_id"`
		Record  scan.CanonicalRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "batch-1", resp.BatchID)
	require.Equal(t, "https://shop.example.com/p/42", resp.Record.OriginalURL)
	require.Equal(t, scan.ModeDebug, env.scanner.lastMode)
	require.Equal(t, "Widget", env.scanner.lastTargets[0].Description)

	rec = env.do(http.MethodPost, "/v1/extract", `{"description":"no url"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env.scanner.err = errors.New("id generator down")
	rec = env.do(http.MethodPost, "/v1/extract", `{"url":"https://shop.example.com/p/42"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "").Code)

	notReady := NewServer(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_UnwiredDeps(t *testing.T) {
	t.Parallel()

	srv := NewServer(Deps{})
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/v1/scans", `{"source":"sheet"}`},
		{http.MethodGet, "/v1/scans/x", ""},
		{http.MethodPost, "/v1/extract", `{"url":"https://example.com"}`},
		{http.MethodGet, "/v1/runs", ""},
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	rec := env.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type testEnv struct {
	server  *Server
	queue   *queueMemory.Queue
	jobs    *storeMemory.JobStore
	scanner *fakeScanner
}

func newTestEnv() *testEnv {
	clock := system.Fixed{At: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := queueMemory.NewQueue(10)
	jobs := storeMemory.NewJobStore(clock)
	dispatch := dispatcher.New(q, jobs, &fakeIDGen{prefix: "job"}, clock, nil)
	scanner := &fakeScanner{}
	srv := NewServer(Deps{
		Jobs:      jobs,
		Submitter: dispatch,
		Scanner:   scanner,
		Runs:      &mockRunRepo{},
		Logger:    zap.NewNop(),
	})
	return &testEnv{server: srv, queue: q, jobs: jobs, scanner: scanner}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

type fakeIDGen struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("%s-%d", f.prefix, f.n), nil
}

type fakeScanner struct {
	mu          sync.Mutex
	lastTargets []scan.Target
	lastMode    scan.RunMode
	err         error
}

func (f *fakeScanner) Run(_ context.Context, targets []scan.Target, mode scan.RunMode) (*pipeline.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastTargets = targets
	f.lastMode = mode
	records := make([]scan.CanonicalRecord, 0, len(targets))
	for _, t := range targets {
		records = append(records, scan.CanonicalRecord{
			ProductID:   t.ProductID,
			RetailerKey: t.RetailerKey,
			Description: t.Description,
			OriginalURL: t.URL,
			URLStatus:   scan.URLStatusOK,
		})
	}
	return &pipeline.Batch{ID: "batch-1", Mode: mode, Records: records}, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
