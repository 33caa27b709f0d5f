// Package dispatcher owns job submission and fans queued jobs out to a fixed
// pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/pricescan/internal/scan"
)

const enqueueTimeout = 5 * time.Second

// Runnable is a blocking job loop; worker.Worker satisfies it.
type Runnable interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   scan.Queue
	jobs    scan.JobStore
	ids     scan.IDGenerator
	clock   scan.Clock
	workers []Runnable
}

// New creates a Dispatcher.
func New(queue scan.Queue, jobs scan.JobStore, ids scan.IDGenerator, clock scan.Clock, workers []Runnable) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runnable) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit records a queued job for spec and enqueues it, waiting at most
// enqueueTimeout for queue room. A job that cannot be enqueued is marked
// failed so it never lingers as queued.
func (d *Dispatcher) Submit(ctx context.Context, spec scan.JobSpec) (scan.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return scan.Job{}, fmt.Errorf("new job id: %w", err)
	}
	now := d.clock.Now()
	job := scan.Job{
		ID:        id,
		Status:    scan.JobStatusQueued,
		Submitted: now,
		Spec:      spec,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return scan.Job{}, fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(queueCtx, scan.QueueItem{JobID: id, Spec: spec, Submitted: now.Unix()}); err != nil {
		_ = d.jobs.UpdateJobStatus(context.WithoutCancel(ctx), id, scan.JobStatusFailed, err.Error(), scan.JobCounters{})
		return scan.Job{}, err
	}
	return job, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item scan.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
