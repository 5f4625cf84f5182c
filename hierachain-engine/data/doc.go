// Package data stores the decision log of a replica in Apache Arrow form.
//
// Executions are converted to Arrow records with a fixed schema
// (ExecutionSchema), written as IPC streams and dumped to disk by a
// Recorder, one segment per stable checkpoint. Segments carry the node,
// checkpoint sequence number and state digest as schema metadata so that
// dumps from different replicas can be compared offline.
package data
