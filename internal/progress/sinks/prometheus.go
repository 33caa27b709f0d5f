package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pricescan/internal/progress"
)

// PrometheusSink exports batch and per-retailer progress collectors.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricescan_batches_started_total",
			Help: "Total batches that have started.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricescan_batches_completed_total",
			Help: "Total batches completed partitioned by result.",
		}, []string{"result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricescan_batches_running",
			Help: "Current number of running batches.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricescan_batch_runtime_seconds",
			Help:    "Wall time per completed batch.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricescan_progress_fetches_total",
			Help: "Fetch completions partitioned by retailer site and status class.",
		}, []string{"site", "status_class"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricescan_progress_fetch_attempts_total",
			Help: "Proxy attempts spent per retailer site.",
		}, []string{"site"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricescan_progress_fetch_bytes_total",
			Help: "Page bytes downloaded per retailer site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricescan_progress_fetch_duration_seconds",
			Help:    "Fetch duration including retries, by site and status class.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"site", "status_class"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricescan_progress_records_total",
			Help: "Canonical records partitioned by url status.",
		}, []string{"url_status"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.fetches,
		s.fetchAttempts,
		s.fetchBytes,
		s.fetchDuration,
		s.records,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchError:
			s.handleBatchEvent(evt)
		case progress.StageFetchDone:
			s.handleFetchEvent(evt)
		case progress.StageRecordDone:
			s.records.WithLabelValues(string(evt.URLStatus)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleBatchEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
		return
	case progress.StageBatchDone:
		s.observeCompletion(evt, "success")
	case progress.StageBatchError:
		s.observeCompletion(evt, "error")
	}
	if s.tracker.complete(evt.BatchID) {
		s.batchesRunning.Dec()
	}
}

func (s *PrometheusSink) observeCompletion(evt progress.Event, result string) {
	s.batchesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	class := string(evt.StatusClass)
	s.fetches.WithLabelValues(site, class).Inc()
	if evt.Attempts > 0 {
		s.fetchAttempts.WithLabelValues(site).Add(float64(evt.Attempts))
	}
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[[16]byte]struct{})}
}

func (t *batchTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
