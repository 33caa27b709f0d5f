// Package worker implements the serve-mode job loop: one scan batch per
// dequeued job.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/metrics"
	"github.com/JakeFAU/pricescan/internal/runner"
	"github.com/JakeFAU/pricescan/internal/scan"
)

// JobRunner executes one scan. runner.Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, batchID string, spec scan.JobSpec) (*runner.Result, error)
}

// Worker consumes queue items and runs the scan they describe.
type Worker struct {
	queue    scan.Queue
	jobStore scan.JobStore
	runner   JobRunner
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue scan.Queue, jobStore scan.JobStore, jobRunner JobRunner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		runner:   jobRunner,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item scan.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, scan.JobStatusRunning, "", scan.JobCounters{}); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	res, err := w.runner.Run(ctx, item.JobID, item.Spec)
	// Job bookkeeping must land even when the worker is shutting down.
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.finish(storeCtx, item.JobID, scan.JobStatusFailed, err.Error(), scan.JobCounters{})
		return
	}

	batch := res.Batch
	entries := batch.Log.Entries()
	if err := w.jobStore.SaveResult(storeCtx, item.JobID, batch.Records, entries, batch.LogURI); err != nil {
		w.logger.Error("save job result failed", zap.String("job_id", item.JobID), zap.Error(err))
		w.finish(storeCtx, item.JobID, scan.JobStatusFailed, fmt.Sprintf("save result: %v", err), batch.Counters())
		return
	}

	status, errText := deriveFinalStatus(ctx, res)
	w.finish(storeCtx, item.JobID, status, errText, batch.Counters())
}

func (w *Worker) finish(ctx context.Context, jobID string, status scan.JobStatus, errText string, counters scan.JobCounters) {
	metrics.ObserveJob(string(status))
	if err := w.jobStore.UpdateJobStatus(ctx, jobID, status, errText, counters); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	w.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("records", counters.Total),
		zap.Int("ok", counters.OK),
		zap.Int("errors", counters.Errors),
		zap.Int("missing", counters.Missing),
	)
}

// deriveFinalStatus maps a finished batch to a job state. Per-URL failures
// live in the records; sink failures are surfaced as error text only.
func deriveFinalStatus(ctx context.Context, res *runner.Result) (scan.JobStatus, string) {
	errText := ""
	if res.SinkErr != nil {
		errText = res.SinkErr.Error()
	}
	if ctx.Err() != nil {
		return scan.JobStatusCanceled, errText
	}
	return scan.JobStatusSucceeded, errText
}
