// Package rpc builds provider request bodies and performs the outbound HTTP
// calls. Provider responses are returned byte-for-byte.
package rpc

import (
	"encoding/json"
	"fmt"

	xerrors "ChainFlow-Nodes/internal/errors"
)

// Request is a decoded JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// Args returns the params as a variadic argument list.
func (r Request) Args() []any {
	out := make([]any, len(r.Params))
	for i, p := range r.Params {
		out[i] = p
	}
	return out
}

// BuildRequest decodes a fresh copy of template, appends params to its
// params list and encodes the result. The template bytes are not modified.
func BuildRequest(template json.RawMessage, params []any) (json.RawMessage, error) {
	var body map[string]any
	if err := json.Unmarshal(template, &body); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "decode request template")
	}
	var base []any
	if existing, ok := body["params"]; ok && existing != nil {
		list, ok := existing.([]any)
		if !ok {
			return nil, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("template params must be a list, got %T", existing))
		}
		base = list
	}
	merged := make([]any, 0, len(base)+len(params))
	merged = append(merged, base...)
	merged = append(merged, params...)
	body["params"] = merged

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParams, err, "encode request body")
	}
	return encoded, nil
}

// DecodeRequest parses a request body produced by BuildRequest.
func DecodeRequest(body json.RawMessage) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, xerrors.Wrap(xerrors.CodeUnknown, err, "decode request body")
	}
	return req, nil
}
