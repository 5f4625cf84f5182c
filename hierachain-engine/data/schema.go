// Package data provides Apache Arrow schema definitions for the executed log.
// Records written by the decision dump and served by the export server use
// these schemas, so readers in any Arrow implementation can consume them.
package data

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Schema metadata keys attached to dump segments.
const (
	MetaNode          = "hierachain.node"
	MetaCheckpointSeq = "hierachain.checkpoint_seq"
	MetaStateDigest   = "hierachain.state_digest"
)

// DigestType is the Arrow type of a 32-byte digest.
var DigestType = &arrow.FixedSizeBinaryType{ByteWidth: consensus.DigestSize}

// ExecutionSchema returns the Arrow schema for executed sequence numbers.
//
// Fields:
//   - seq: uint64 - Sequence number
//   - view: uint64 - View the request committed in
//   - client_id: string (nullable) - Null for no-ops
//   - nonce: uint64 - Client nonce, 0 for no-ops
//   - operation: binary (nullable) - Opaque operation bytes
//   - result: binary (nullable) - Application result
//   - request_digest: fixed_size_binary[32] - Digest of the request
//   - result_digest: fixed_size_binary[32] - Digest of the result
//   - state_digest: fixed_size_binary[32] - Hash chain after execution
//   - noop: bool - Gap filled by a view change
//   - duplicate: bool - Request already executed at a lower seq
func ExecutionSchema() *arrow.Schema {
	return ExecutionSchemaWithMetadata(nil)
}

// ExecutionSchemaWithMetadata is ExecutionSchema carrying key/value metadata.
func ExecutionSchemaWithMetadata(meta map[string]string) *arrow.Schema {
	var md *arrow.Metadata
	if len(meta) > 0 {
		m := arrow.MetadataFrom(meta)
		md = &m
	}
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "seq", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "view", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "client_id", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "nonce", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "operation", Type: arrow.BinaryTypes.Binary, Nullable: true},
			{Name: "result", Type: arrow.BinaryTypes.Binary, Nullable: true},
			{Name: "request_digest", Type: DigestType},
			{Name: "result_digest", Type: DigestType},
			{Name: "state_digest", Type: DigestType},
			{Name: "noop", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "duplicate", Type: arrow.FixedWidthTypes.Boolean},
		},
		md,
	)
}
