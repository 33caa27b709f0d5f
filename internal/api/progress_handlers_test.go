package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/store"
)

func TestProgressHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{
		runs: []store.ScanRun{{
			BatchID:   uuid.New(),
			Status:    store.RunSuccess,
			StartedAt: time.Now().Add(-time.Hour),
			RecordsOK: 12,
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=success&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, int64(12), body.Runs[0].RecordsOK)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunSuccess, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
}

func TestProgressHandlerListRunsRejectsBadFilters(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockRunRepo{}, zap.NewNop())
	for _, target := range []string{"/v1/runs?status=bogus", "/v1/runs?limit=0", "/v1/runs?offset=-1"} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestProgressHandlerGetRunNotFound(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{err: store.ErrNotFound}
	handler := NewProgressHandler(repo, zap.NewNop())

	batchID := uuid.New()
	req := withBatchIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+batchID.String(), nil), batchID.String())
	rec := httptest.NewRecorder()

	handler.GetRun(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerGetRunErrors(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(&mockRunRepo{err: errors.New("conn reset")}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.GetRun(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/x", nil), "not-a-uuid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	id := uuid.NewString()
	rec = httptest.NewRecorder()
	handler.GetRun(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+id, nil), id))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProgressHandlerListRunRetailers(t *testing.T) {
	t.Parallel()

	batchID := uuid.New()
	repo := &mockRunRepo{retailers: []store.RetailerStats{{
		BatchID:  batchID,
		Site:     "www.target.com",
		Fetches:  4,
		Attempts: 6,
		Fetch2xx: 3,
		Fetch5xx: 1,
	}}}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+batchID.String()+"/retailers?limit=5000", nil)
	req = withBatchIDParam(req, batchID.String())
	rec := httptest.NewRecorder()
	handler.ListRunRetailers(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Retailers []retailerDTO `json:"retailers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []retailerDTO{{Site: "www.target.com", Fetches: 4, Attempts: 6, Fetch2xx: 3, Fetch5xx: 1}}, body.Retailers)
	require.Equal(t, maxRetailersLimit, repo.lastLimit)
}

func TestProgressHandlerWithoutRepo(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type mockRunRepo struct {
	runs       []store.ScanRun
	retailers  []store.RetailerStats
	err        error
	lastStatus *store.RunStatus
	lastLimit  int
}

func (m *mockRunRepo) UpsertRunStart(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (m *mockRunRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return nil
}

func (m *mockRunRepo) AddRunRecords(context.Context, uuid.UUID, store.RecordDelta) error {
	return nil
}

func (m *mockRunRepo) UpsertRetailerStats(
	context.Context,
	uuid.UUID,
	string,
	string,
	store.FetchDelta,
	time.Time,
) error {
	return nil
}

func (m *mockRunRepo) GetRun(context.Context, uuid.UUID) (store.ScanRun, error) {
	if m.err != nil {
		return store.ScanRun{}, m.err
	}
	return m.runs[0], nil
}

func (m *mockRunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, _ int) ([]store.ScanRun, error) {
	m.lastStatus = status
	m.lastLimit = limit
	return m.runs, m.err
}

func (m *mockRunRepo) ListRunRetailers(_ context.Context, _ uuid.UUID, limit, _ int) ([]store.RetailerStats, error) {
	m.lastLimit = limit
	return m.retailers, m.err
}

func withBatchIDParam(r *http.Request, batchID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("batch_id", batchID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
