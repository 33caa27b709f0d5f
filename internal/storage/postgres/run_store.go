package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pricescan/internal/store"
)

// statusColumns maps progress status classes onto retailer_stats columns.
var statusColumns = map[string]string{
	"2xx":  "fetch_2xx",
	"3xx":  "fetch_3xx",
	"4xx":  "fetch_4xx",
	"5xx":  "fetch_5xx",
	"none": "fetch_none",
}

// UpsertRunStart inserts a run or resets an existing one to running.
func (d *DB) UpsertRunStart(ctx context.Context, batchID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO scan_runs (batch_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO UPDATE
		SET status = EXCLUDED.status, finished_at = NULL, error_message = NULL;
	`
	if _, err := d.pool.Exec(ctx, query, batchID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun records the terminal status of a run.
func (d *DB) CompleteRun(
	ctx context.Context,
	batchID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE scan_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE batch_id = $4;
	`
	res, err := d.pool.Exec(ctx, query, finishedAt, status, errMsg, batchID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddRunRecords increments the record counters of a run.
func (d *DB) AddRunRecords(ctx context.Context, batchID uuid.UUID, delta store.RecordDelta) error {
	if delta.Empty() {
		return nil
	}
	query := `
		UPDATE scan_runs
		SET records_ok = records_ok + $1,
			records_error = records_error + $2,
			records_missing = records_missing + $3
		WHERE batch_id = $4;
	`
	if _, err := d.pool.Exec(ctx, query, delta.OK, delta.Error, delta.Missing, batchID); err != nil {
		return fmt.Errorf("failed to add run records: %w", err)
	}
	return nil
}

// UpsertRetailerStats applies one delta to the (run, site) row.
func (d *DB) UpsertRetailerStats(
	ctx context.Context,
	batchID uuid.UUID,
	site string,
	statusClass string,
	delta store.FetchDelta,
	at time.Time,
) error {
	column, ok := statusColumns[statusClass]
	if !ok {
		return fmt.Errorf("unknown status class: %s", statusClass)
	}
	query := fmt.Sprintf(`
		INSERT INTO retailer_stats (batch_id, site, last_update, fetches, attempts, bytes_total, %[1]s)
		VALUES ($1, $2, $3, $4, $5, $6, $4)
		ON CONFLICT (batch_id, site) DO UPDATE
		SET fetches = retailer_stats.fetches + EXCLUDED.fetches,
			attempts = retailer_stats.attempts + EXCLUDED.attempts,
			bytes_total = retailer_stats.bytes_total + EXCLUDED.bytes_total,
			%[1]s = retailer_stats.%[1]s + EXCLUDED.%[1]s,
			last_update = GREATEST(retailer_stats.last_update, EXCLUDED.last_update);
	`, column)
	if _, err := d.pool.Exec(ctx, query, batchID, site, at, delta.Fetches, delta.Attempts, delta.Bytes); err != nil {
		return fmt.Errorf("failed to upsert retailer stats: %w", err)
	}
	return nil
}

const runColumns = `batch_id, started_at, finished_at, status, error_message, records_ok, records_error, records_missing`

func scanRun(row pgx.Row) (store.ScanRun, error) {
	var run store.ScanRun
	err := row.Scan(
		&run.BatchID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.RecordsOK,
		&run.RecordsError,
		&run.RecordsMissing,
	)
	return run, err
}

// GetRun loads one run or returns store.ErrNotFound.
func (d *DB) GetRun(ctx context.Context, batchID uuid.UUID) (store.ScanRun, error) {
	query := `SELECT ` + runColumns + ` FROM scan_runs WHERE batch_id = $1;`
	run, err := scanRun(d.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ScanRun{}, store.ErrNotFound
		}
		return store.ScanRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (d *DB) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.ScanRun, error) {
	query := `SELECT ` + runColumns + `
		FROM scan_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := d.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.ScanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunRetailers returns per-retailer stats for one run, busiest first.
func (d *DB) ListRunRetailers(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]store.RetailerStats, error) {
	query := `
		SELECT batch_id, site, last_update, fetches, attempts, bytes_total,
			fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_none
		FROM retailer_stats
		WHERE batch_id = $1
		ORDER BY fetches DESC, site
		LIMIT $2 OFFSET $3;
	`
	rows, err := d.pool.Query(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run retailers: %w", err)
	}
	defer rows.Close()

	var stats []store.RetailerStats
	for rows.Next() {
		var s store.RetailerStats
		if err := rows.Scan(
			&s.BatchID,
			&s.Site,
			&s.LastUpdate,
			&s.Fetches,
			&s.Attempts,
			&s.BytesTotal,
			&s.Fetch2xx,
			&s.Fetch3xx,
			&s.Fetch4xx,
			&s.Fetch5xx,
			&s.FetchNone,
		); err != nil {
			return nil, fmt.Errorf("failed to scan retailer stats row: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retailer stats: %w", err)
	}
	return stats, nil
}
