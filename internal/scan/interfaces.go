package scan

import (
	"context"
	"time"
)

// Fetcher retrieves one URL through the scraping proxy. It never returns an
// error; failures are encoded in the outcome.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchOutcome
}

// JSShellDetector decides whether a fetched page needs proxy-side rendering.
type JSShellDetector interface {
	ShouldRender(outcome FetchOutcome) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes batch summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordStore persists canonical records for a batch.
type RecordStore interface {
	StoreRecords(ctx context.Context, batchID string, records []CanonicalRecord) error
}

// JobStore persists serve-mode job state, records and decision logs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	SaveResult(ctx context.Context, jobID string, records []CanonicalRecord, entries []LogEntry, logURI string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListRecords(ctx context.Context, jobID string) ([]CanonicalRecord, error)
	ListLog(ctx context.Context, jobID string) ([]LogEntry, error)
}

// Queue provides enqueue/dequeue semantics for scan jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter paces calls per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and job ids.
type IDGenerator interface {
	NewID() (string, error)
}
