package data

import (
	"bytes"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/pkg/errors"
)

// WriteIPC writes records as one Arrow IPC stream. All records must share
// the first record's schema.
func WriteIPC(w io.Writer, records ...arrow.Record) error {
	if len(records) == 0 {
		return errors.New("no records to serialize")
	}

	writer := ipc.NewWriter(w, ipc.WithSchema(records[0].Schema()))
	defer writer.Close()

	for i, record := range records {
		if err := writer.Write(record); err != nil {
			return errors.Wrapf(err, "failed to write record %d", i)
		}
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "failed to close writer")
	}
	return nil
}

// SerializeToIPC serializes records to IPC stream bytes.
func SerializeToIPC(records ...arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteIPC(&buf, records...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadIPC reads every record of an IPC stream. The caller releases them.
func ReadIPC(r io.Reader) ([]arrow.Record, *arrow.Schema, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create reader")
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		for _, r := range records {
			r.Release()
		}
		return nil, nil, reader.Err()
	}
	return records, reader.Schema(), nil
}

// DeserializeAllFromIPC deserializes IPC bytes to all Arrow records.
func DeserializeAllFromIPC(data []byte) ([]arrow.Record, error) {
	records, _, err := ReadIPC(bytes.NewReader(data))
	return records, err
}
