package data

import (
	"encoding/json"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Converter handles conversion between executions and Arrow records.
type Converter struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{
		allocator: memory.DefaultAllocator,
		schema:    ExecutionSchema(),
	}
}

// NewConverterWithSchema creates a Converter producing records with schema.
// The schema must have the ExecutionSchema layout; metadata may differ.
func NewConverterWithSchema(schema *arrow.Schema) *Converter {
	return &Converter{
		allocator: memory.DefaultAllocator,
		schema:    schema,
	}
}

// ExecutionsToRecord converts executions to an Arrow record.
func (c *Converter) ExecutionsToRecord(execs []consensus.Execution) (arrow.Record, error) {
	if len(execs) == 0 {
		return nil, errors.New("empty executions slice")
	}

	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	seqB := builder.Field(0).(*array.Uint64Builder)
	viewB := builder.Field(1).(*array.Uint64Builder)
	clientB := builder.Field(2).(*array.StringBuilder)
	nonceB := builder.Field(3).(*array.Uint64Builder)
	opB := builder.Field(4).(*array.BinaryBuilder)
	resultB := builder.Field(5).(*array.BinaryBuilder)
	reqDigestB := builder.Field(6).(*array.FixedSizeBinaryBuilder)
	resDigestB := builder.Field(7).(*array.FixedSizeBinaryBuilder)
	stateB := builder.Field(8).(*array.FixedSizeBinaryBuilder)
	noopB := builder.Field(9).(*array.BooleanBuilder)
	dupB := builder.Field(10).(*array.BooleanBuilder)

	for _, e := range execs {
		seqB.Append(uint64(e.Seq))
		viewB.Append(uint64(e.View))

		if e.Noop {
			clientB.AppendNull()
		} else {
			clientB.Append(e.Request.ClientID)
		}
		nonceB.Append(e.Request.Nonce)

		if e.Request.Operation != nil {
			opB.Append(e.Request.Operation)
		} else {
			opB.AppendNull()
		}
		if e.Result != nil {
			resultB.Append(e.Result)
		} else {
			resultB.AppendNull()
		}

		reqDigestB.Append(e.Digest[:])
		resDigestB.Append(e.ResultDigest[:])
		stateB.Append(e.StateDigest[:])
		noopB.Append(e.Noop)
		dupB.Append(e.Duplicate)
	}

	return builder.NewRecord(), nil
}

// RecordToExecutions converts an Arrow record back to executions.
func (c *Converter) RecordToExecutions(record arrow.Record) ([]consensus.Execution, error) {
	if record == nil || record.NumRows() == 0 {
		return []consensus.Execution{}, nil
	}
	if err := ValidateSchema(record, ExecutionSchema()); err != nil {
		return nil, err
	}

	seqCol := record.Column(0).(*array.Uint64)
	viewCol := record.Column(1).(*array.Uint64)
	clientCol := record.Column(2).(*array.String)
	nonceCol := record.Column(3).(*array.Uint64)
	opCol := record.Column(4).(*array.Binary)
	resultCol := record.Column(5).(*array.Binary)
	reqDigestCol := record.Column(6).(*array.FixedSizeBinary)
	resDigestCol := record.Column(7).(*array.FixedSizeBinary)
	stateCol := record.Column(8).(*array.FixedSizeBinary)
	noopCol := record.Column(9).(*array.Boolean)
	dupCol := record.Column(10).(*array.Boolean)

	execs := make([]consensus.Execution, record.NumRows())
	for i := range execs {
		e := consensus.Execution{
			Seq:       consensus.Seq(seqCol.Value(i)),
			View:      consensus.View(viewCol.Value(i)),
			Noop:      noopCol.Value(i),
			Duplicate: dupCol.Value(i),
		}
		if !clientCol.IsNull(i) {
			e.Request.ClientID = clientCol.Value(i)
		}
		e.Request.Nonce = nonceCol.Value(i)
		if !opCol.IsNull(i) {
			e.Request.Operation = append([]byte{}, opCol.Value(i)...)
		}
		if !resultCol.IsNull(i) {
			e.Result = append([]byte{}, resultCol.Value(i)...)
		}
		copy(e.Digest[:], reqDigestCol.Value(i))
		copy(e.ResultDigest[:], resDigestCol.Value(i))
		copy(e.StateDigest[:], stateCol.Value(i))
		execs[i] = e
	}
	return execs, nil
}

// JSONToRecord converts a JSON array of executions to an Arrow record.
func (c *Converter) JSONToRecord(jsonData []byte) (arrow.Record, error) {
	var execs []consensus.Execution
	if err := json.Unmarshal(jsonData, &execs); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal JSON")
	}
	return c.ExecutionsToRecord(execs)
}

// RecordToJSON converts an Arrow record to a JSON array of executions.
func (c *Converter) RecordToJSON(record arrow.Record) ([]byte, error) {
	execs, err := c.RecordToExecutions(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(execs)
}

// ValidateSchema checks that a record has the expected field names and types.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return errors.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return errors.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}
		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return errors.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
