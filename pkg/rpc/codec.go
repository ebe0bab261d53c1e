// Package rpc registers the wire codec shared by the Registration and
// Discovery gRPC services (pkg/discoveryapi). Both are internal,
// agent-defined protocols — unlike the kubelet-facing device-plugin
// protocol, there is no protoc-generated message set to reuse, so request
// and response bodies are plain Go structs marshaled with encoding/json
// over grpc's pluggable codec interface (google.golang.org/grpc/encoding).
// This keeps the transport, streaming, and cancellation semantics of real
// gRPC while avoiding a protobuf code-generation step.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype clients select with
// grpc.CallContentSubtype; the server picks the codec registered under it.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }
