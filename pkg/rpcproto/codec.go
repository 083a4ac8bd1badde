// Package rpcproto hand-builds the gRPC service descriptors the
// manager<->agent and operator<->manager control planes are served
// over. The retrieval pack did not include Warren's generated
// api/proto package, and no protoc toolchain is available here, so
// wire messages are plain Go structs with json tags carried over a
// custom JSON codec (codec.go) rather than protobuf-encoded
// generated types. grpc.ServiceDesc, the method routing table
// grpc-go's protoc plugin would otherwise emit, is built by hand in
// agent.go/control.go instead.
package rpcproto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec, letting grpc-go marshal/unmarshal
// plain Go structs instead of proto.Message values. Selected per-call
// with grpc.CallContentSubtype(codecName) on the client and
// automatically on the server once registered.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
