// Package core provides the replica runtime.
// This package implements:
// - Node: a single-goroutine event loop owning one consensus.Replica
// - Timers backed by time.AfterFunc with stale-expiry filtering
// - Worker pool for parallel inbound message verification
// - LocalNetwork for running whole clusters in one process
package core
