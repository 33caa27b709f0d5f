package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/progress"
	"github.com/JakeFAU/pricescan/internal/scan"
	"github.com/JakeFAU/pricescan/internal/store"
)

// StoreSink persists progress through a store.RunRepository. Fetch and record
// events are collapsed per run (and per site and status class) before writing.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes run lifecycle changes in order, then the collapsed deltas.
// Completion is applied after the deltas so counters are final when a run
// reads as finished.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	fetches := make(map[statsKey]*statsDelta)
	records := make(map[uuid.UUID]*store.RecordDelta)
	var completions []progress.Event

	for _, evt := range batch {
		batchID := evt.BatchUUID()
		switch evt.Stage {
		case progress.StageBatchStart:
			if err := s.repo.UpsertRunStart(ctx, batchID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageBatchDone, progress.StageBatchError:
			completions = append(completions, evt)
		case progress.StageFetchDone:
			collectFetch(fetches, batchID, evt)
		case progress.StageRecordDone:
			collectRecord(records, batchID, evt.URLStatus)
		}
	}

	for key, delta := range fetches {
		if err := s.repo.UpsertRetailerStats(ctx, key.batchID, key.site, key.statusClass, delta.FetchDelta, delta.at); err != nil {
			return fmt.Errorf("upsert retailer stats: %w", err)
		}
	}
	for batchID, delta := range records {
		if err := s.repo.AddRunRecords(ctx, batchID, *delta); err != nil {
			return fmt.Errorf("add run records: %w", err)
		}
	}
	for _, evt := range completions {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageBatchError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.CompleteRun(ctx, evt.BatchUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func collectFetch(stats map[statsKey]*statsDelta, batchID uuid.UUID, evt progress.Event) {
	if evt.Site == "" {
		return
	}
	key := statsKey{batchID: batchID, site: evt.Site, statusClass: string(evt.StatusClass)}
	d := stats[key]
	if d == nil {
		d = &statsDelta{}
		stats[key] = d
	}
	d.Fetches++
	d.Attempts += int64(evt.Attempts)
	d.Bytes += evt.Bytes
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}

func collectRecord(records map[uuid.UUID]*store.RecordDelta, batchID uuid.UUID, status scan.URLStatus) {
	d := records[batchID]
	if d == nil {
		d = &store.RecordDelta{}
		records[batchID] = d
	}
	switch status {
	case scan.URLStatusOK:
		d.OK++
	case scan.URLStatusMissing:
		d.Missing++
	default:
		d.Error++
	}
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	batchID     uuid.UUID
	site        string
	statusClass string
}

type statsDelta struct {
	store.FetchDelta
	at time.Time
}
