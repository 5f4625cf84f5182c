// Package monitoring provides metrics and observability.
// This package implements:
// - Per-replica Prometheus metrics
// - An Observer feeding consensus events into them
// - An HTTP server for /metrics and /health
package monitoring
