// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the scan run repository.
package sinks
