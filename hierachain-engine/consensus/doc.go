// Package consensus provides the pBFT replicated state machine.
// This package implements:
// - Three-phase agreement (pre-prepare, prepare, commit) per sequence number
// - Quorum tracking with sender deduplication and equivocation evidence
// - Checkpoints, watermarks and log garbage collection
// - View change with certified re-proposal
//
// A Replica is single-threaded: the caller owns it and must serialize every
// call into it (see core.Node for the event-loop runtime).
package consensus
