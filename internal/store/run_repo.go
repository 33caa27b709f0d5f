package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("scan run not found")

// RunStatus mirrors the scan_runs status column.
type RunStatus string

// Run statuses persisted in scan_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// ScanRun models one row of scan_runs.
type ScanRun struct {
	BatchID      uuid.UUID
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
	// Record counters are folded in from RECORD_DONE events.
	RecordsOK      int64
	RecordsError   int64
	RecordsMissing int64
}

// RetailerStats captures per-retailer fetch aggregation for a run.
type RetailerStats struct {
	BatchID    uuid.UUID
	Site       string
	LastUpdate time.Time
	Fetches    int64
	Attempts   int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
	// FetchNone counts fetches that never got a proxy response.
	FetchNone int64
}

// FetchDelta is the increment applied to one (run, site, status class).
type FetchDelta struct {
	Fetches  int64
	Attempts int64
	Bytes    int64
}

// RecordDelta is the increment applied to a run's record counters.
type RecordDelta struct {
	OK      int64
	Error   int64
	Missing int64
}

// Empty reports whether the delta changes nothing.
func (d RecordDelta) Empty() bool {
	return d.OK == 0 && d.Error == 0 && d.Missing == 0
}

// RunRepository persists incremental scan progress.
type RunRepository interface {
	// UpsertRunStart inserts the run, or resets it to running if it exists.
	UpsertRunStart(ctx context.Context, batchID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished.
	CompleteRun(ctx context.Context, batchID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	AddRunRecords(ctx context.Context, batchID uuid.UUID, delta RecordDelta) error
	// UpsertRetailerStats applies fetch deltas per (run, site, statusClass).
	UpsertRetailerStats(
		ctx context.Context,
		batchID uuid.UUID,
		site string,
		statusClass string,
		delta FetchDelta,
		at time.Time,
	) error

	GetRun(ctx context.Context, batchID uuid.UUID) (ScanRun, error)
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]ScanRun, error)
	ListRunRetailers(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]RetailerStats, error)
}
