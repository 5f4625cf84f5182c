package api

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
)

const (
	frameAuth   = "auth"
	frameExport = "export"
)

// ExecutionSource supplies the executed log. data.Recorder implements it.
type ExecutionSource interface {
	Executions(from consensus.Seq) ([]consensus.Execution, error)
}

// ExportRequest asks for every execution above From.
type ExportRequest struct {
	Type string        `json:"type"`
	From consensus.Seq `json:"from"`
}

// ExportResponse precedes the Arrow IPC frame. The IPC frame is only sent
// when Count is positive.
type ExportResponse struct {
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// ExportHandler turns export requests into Arrow IPC streams.
type ExportHandler struct {
	source    ExecutionSource
	converter *data.Converter
}

// NewExportHandler creates a handler reading from source.
func NewExportHandler(source ExecutionSource) *ExportHandler {
	return &ExportHandler{
		source:    source,
		converter: data.NewConverter(),
	}
}

// Handle returns the number of exported executions and their IPC encoding.
func (h *ExportHandler) Handle(req ExportRequest) (int, []byte, error) {
	execs, err := h.source.Executions(req.From)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to read executions")
	}
	if len(execs) == 0 {
		return 0, nil, nil
	}

	record, err := h.converter.ExecutionsToRecord(execs)
	if err != nil {
		return 0, nil, err
	}
	defer record.Release()

	payload, err := data.SerializeToIPC(record)
	if err != nil {
		return 0, nil, err
	}
	return len(execs), payload, nil
}

// frameType peeks at the "type" field of a JSON frame.
func frameType(frame []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return "", errors.Wrap(err, "malformed frame")
	}
	return head.Type, nil
}
