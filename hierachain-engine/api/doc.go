// Package api exposes a replica to clients.
// This package implements:
// - The hierachain.bft.Replica gRPC service (Submit, Status) over a JSON codec
// - Token authentication for gRPC calls and export connections
// - ReplicaClient, the client side of the service
// - A TCP export server returning the executed log as Arrow IPC
package api
