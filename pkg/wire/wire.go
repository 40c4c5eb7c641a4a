// Package wire is the single serialization boundary for pipelines and
// results that travel, as opaque bytes, between client, store, compiler,
// and executor. Design note 9: "choose one wire encoding and be
// consistent"; this package picks encoding/gob so neither side needs a
// schema beyond the shared pkg/types structs.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/netunicorn/director/pkg/types"
)

// EncodePipeline serializes a pipeline into the blob carried by
// Deployment.PipelineBlob / Compilation.PipelineBlob / ExecutorRecord.PipelineBlob.
func EncodePipeline(p types.Pipeline) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("wire: encode pipeline: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePipeline faithfully decodes whatever the client encoded; no
// transformation is applied in transit.
func DecodePipeline(blob []byte) (types.Pipeline, error) {
	var p types.Pipeline
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&p); err != nil {
		return types.Pipeline{}, fmt.Errorf("wire: decode pipeline: %w", err)
	}
	return p, nil
}

// EncodeResult serializes a pipeline result for ExecutorRecord.ResultBlob
// and, ultimately, Experiment.ExecutionResults. Surfaced verbatim to the
// user — the mediator never re-encodes it.
func EncodeResult(r types.PipelineResult) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(blob []byte) (types.PipelineResult, error) {
	var r types.PipelineResult
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&r); err != nil {
		return types.PipelineResult{}, fmt.Errorf("wire: decode result: %w", err)
	}
	return r, nil
}
