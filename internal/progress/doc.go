// Package progress carries scan progress events from the pipeline to
// pluggable sinks. Emit never blocks the fetch slots; a background goroutine
// batches events and fans them out to the zap log, Prometheus and Postgres.
package progress
