// Package api exposes the HTTP interface for the price scanner service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/metrics"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/queue/memory"
	"github.com/JakeFAU/pricescan/internal/scan"
	"github.com/JakeFAU/pricescan/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// Submitter queues scan jobs; dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, spec scan.JobSpec) (scan.Job, error)
}

// Scanner runs a batch synchronously; pipeline.Pipeline satisfies it.
type Scanner interface {
	Run(ctx context.Context, targets []scan.Target, mode scan.RunMode) (*pipeline.Batch, error)
}

// Deps are the collaborators behind the routes. Runs and Scanner may be nil;
// their routes then answer 503.
type Deps struct {
	Jobs      scan.JobStore
	Submitter Submitter
	Scanner   Scanner
	Runs      store.RunRepository
	// Ready reports downstream readiness for /readyz.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		validate: newValidator(),
		logger:   deps.Logger,
	}
	progress := NewProgressHandler(deps.Runs, deps.Logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(deps.Logger))
	r.Use(recoverMiddleware(deps.Logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.submitScan)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Get("/records", s.getScanRecords)
				r.Get("/log", s.getScanLog)
			})
		})
		r.Post("/extract", s.extract)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", progress.ListRuns)
			r.Get("/{batch_id}", progress.GetRun)
			r.Get("/{batch_id}/retailers", progress.ListRunRetailers)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type targetRequest struct {
	ProductID   string `json:"product_id" validate:"required"`
	RetailerKey string `json:"retailer_key"`
	Description string `json:"description"`
	URL         string `json:"url" validate:"omitempty,url"`
}

type scanRequest struct {
	Source  string          `json:"source" validate:"omitempty,oneof=targets workbook sheet"`
	Targets []targetRequest `json:"targets" validate:"dive"`
	Limit   int             `json:"limit" validate:"gte=0"`
	Mode    string          `json:"mode" validate:"omitempty,oneof=debug test prod"`
}

type extractRequest struct {
	URL         string `json:"url" validate:"required,url"`
	Description string `json:"description"`
	RetailerKey string `json:"retailer_key"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "scan queue unavailable")
		return
	}
	var req scanRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := toJobSpec(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.deps.Submitter.Submit(r.Context(), spec)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, memory.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("submit scan failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": job.ID})
}

func toJobSpec(req scanRequest) (scan.JobSpec, error) {
	source := scan.JobSource(req.Source)
	if source == "" {
		source = scan.SourceTargets
	}
	spec := scan.JobSpec{Source: source, Limit: req.Limit, Mode: scan.RunMode(req.Mode)}
	switch source {
	case scan.SourceTargets:
		if len(req.Targets) == 0 {
			return scan.JobSpec{}, errors.New("targets required")
		}
		if req.Limit > 0 && req.Limit < len(req.Targets) {
			req.Targets = req.Targets[:req.Limit]
		}
		spec.Targets = make([]scan.Target, 0, len(req.Targets))
		for i, t := range req.Targets {
			spec.Targets = append(spec.Targets, scan.Target{
				Row:         i,
				ProductID:   t.ProductID,
				RetailerKey: t.RetailerKey,
				Description: t.Description,
				URL:         strings.TrimSpace(t.URL),
			})
		}
	default:
		if len(req.Targets) > 0 {
			return scan.JobSpec{}, fmt.Errorf("targets not allowed with source %q", source)
		}
	}
	return spec, nil
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": job})
}

func (s *Server) getScanRecords(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Jobs.ListRecords(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list records failed", zap.String("scan_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch scan records")
		return
	}
	if records == nil {
		records = []scan.CanonicalRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": job, "records": records})
}

func (s *Server) getScanLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Jobs.ListLog(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list log failed", zap.String("scan_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch scan log")
		return
	}
	if entries == nil {
		entries = []scan.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_uri": job.LogURI, "entries": entries})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (scan.Job, bool) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return scan.Job{}, false
	}
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return scan.Job{}, false
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return scan.Job{}, false
	}
	return job, true
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner unavailable")
		return
	}
	var req extractRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := scan.Target{
		ProductID:   "adhoc",
		RetailerKey: req.RetailerKey,
		Description: req.Description,
		URL:         req.URL,
	}
	batch, err := s.deps.Scanner.Run(r.Context(), []scan.Target{target}, scan.ModeDebug)
	if err != nil {
		s.logger.Error("extract failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batch.ID, "record": batch.Records[0]})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
