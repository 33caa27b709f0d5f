package scan

import "time"

// JobStatus represents the lifecycle state of a scan job.
type JobStatus string

// Job status values.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// JobSource selects where a job reads its targets from.
type JobSource string

// Job sources.
const (
	SourceTargets  JobSource = "targets"
	SourceWorkbook JobSource = "workbook"
	SourceSheet    JobSource = "sheet"
)

// JobSpec describes one requested scan.
type JobSpec struct {
	Source  JobSource `json:"source"`
	Targets []Target  `json:"targets,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Mode    RunMode   `json:"mode"`
}

// JobCounters tracks per-status record counts for a job.
type JobCounters struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Errors  int `json:"errors"`
	Missing int `json:"missing"`
}

// Add folds one record into the counters.
func (c *JobCounters) Add(rec CanonicalRecord) {
	c.Total++
	switch rec.URLStatus {
	case URLStatusOK:
		c.OK++
	case URLStatusMissing:
		c.Missing++
	default:
		c.Errors++
	}
}

// Job is the metadata kept for each submitted scan.
type Job struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	Spec      JobSpec     `json:"spec"`
	Counters  JobCounters `json:"counters"`
	LogURI    string      `json:"log_uri,omitempty"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Spec      JobSpec
	Submitted int64
}
