// Package orchestrator runs fetches for a batch under a fixed concurrency limit.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Handler runs inside the fetch slot once an outcome is available. Work done
// here (extraction, language-model calls) competes for the same slot.
type Handler func(ctx context.Context, index int, outcome scan.FetchOutcome)

// Orchestrator fans fetch requests out to a scan.Fetcher.
type Orchestrator struct {
	fetcher     scan.Fetcher
	concurrency int
	logger      *zap.Logger
}

// New constructs an Orchestrator. Concurrency below one is treated as one.
func New(fetcher scan.Fetcher, concurrency int, logger *zap.Logger) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{fetcher: fetcher, concurrency: concurrency, logger: logger}
}

// Concurrency returns the slot count.
func (o *Orchestrator) Concurrency() int {
	return o.concurrency
}

// FetchAll returns one outcome per request, in request order.
func (o *Orchestrator) FetchAll(ctx context.Context, reqs []scan.FetchRequest) []scan.FetchOutcome {
	return o.FetchEach(ctx, reqs, nil)
}

// FetchEach fetches every request with at most Concurrency in flight and calls
// handle for each completed fetch while still holding its slot. The returned
// slice always has len(reqs) entries; requests that never ran because ctx was
// cancelled resolve to a cancelled outcome.
func (o *Orchestrator) FetchEach(ctx context.Context, reqs []scan.FetchRequest, handle Handler) []scan.FetchOutcome {
	outcomes := make([]scan.FetchOutcome, len(reqs))
	resolved := make([]bool, len(reqs))
	sem := semaphore.NewWeighted(int64(o.concurrency))

	var wg sync.WaitGroup
	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			o.logger.Debug("batch cancelled before dispatch",
				zap.Int("dispatched", i),
				zap.Int("total", len(reqs)),
				zap.Error(err),
			)
			break
		}
		wg.Add(1)
		go func(i int, req scan.FetchRequest) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i], resolved[i] = o.fetchOne(ctx, req)
			if handle != nil && resolved[i] {
				handle(ctx, i, outcomes[i])
			}
		}(i, req)
	}
	wg.Wait()

	for i := range reqs {
		if !resolved[i] {
			outcomes[i] = scan.CancelledOutcome(reqs[i].URL, ctx.Err())
			if handle != nil {
				handle(ctx, i, outcomes[i])
			}
		}
	}
	return outcomes
}

func (o *Orchestrator) fetchOne(ctx context.Context, req scan.FetchRequest) (outcome scan.FetchOutcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("fetcher panicked", zap.String("url", req.URL), zap.Any("panic", r))
			outcome = scan.FetchOutcome{
				RequestedURL: req.URL,
				ResolvedURL:  req.URL,
				Err: scan.NewFetchError(scan.KindTransientNetwork, fmt.Errorf("panic: %v", r),
					"ScrapingBee exception: panic: %v", r),
			}
			ok = true
		}
	}()
	return o.fetcher.Fetch(ctx, req), true
}
