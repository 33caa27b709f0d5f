package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// JobStore keeps serve-mode jobs, their records and decision logs.
type JobStore struct {
	mu      sync.RWMutex
	clock   scan.Clock
	jobs    map[string]scan.Job
	records map[string][]scan.CanonicalRecord
	logs    map[string][]scan.LogEntry
}

// NewJobStore constructs a JobStore stamping transitions with clock.
func NewJobStore(clock scan.Clock) *JobStore {
	return &JobStore{
		clock:   clock,
		jobs:    make(map[string]scan.Job),
		records: make(map[string][]scan.CanonicalRecord),
		logs:    make(map[string][]scan.LogEntry),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scan.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and counters for a job. The first move
// to running stamps Started; terminal states stamp Finished.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status scan.JobStatus,
	errText string,
	counters scan.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, scan.ErrNotFound)
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := s.clock.Now()
	if status == scan.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// SaveResult replaces the job's records and decision log.
func (s *JobStore) SaveResult(
	_ context.Context,
	jobID string,
	records []scan.CanonicalRecord,
	entries []scan.LogEntry,
	logURI string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, scan.ErrNotFound)
	}
	job.LogURI = logURI
	s.jobs[jobID] = job
	s.records[jobID] = append([]scan.CanonicalRecord(nil), records...)
	s.logs[jobID] = append([]scan.LogEntry(nil), entries...)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scan.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, fmt.Errorf("job %s: %w", jobID, scan.ErrNotFound)
	}
	return job, nil
}

// ListRecords returns a copy of the job's records in target order.
func (s *JobStore) ListRecords(_ context.Context, jobID string) ([]scan.CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, scan.ErrNotFound)
	}
	return append([]scan.CanonicalRecord{}, s.records[jobID]...), nil
}

// ListLog returns a copy of the job's decision log.
func (s *JobStore) ListLog(_ context.Context, jobID string) ([]scan.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, scan.ErrNotFound)
	}
	return append([]scan.LogEntry{}, s.logs[jobID]...), nil
}
