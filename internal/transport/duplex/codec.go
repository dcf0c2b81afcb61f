// Package duplex carries spec.md §6's duplex wire protocol over a gRPC
// bidirectional-streaming RPC, using a custom, non-protobuf
// encoding.Codec so every frame on the wire is the literal tagged JSON
// object the protocol describes — gRPC here supplies only connection
// multiplexing, flow control, and deadline propagation, the same
// connection-management concerns the teacher's grpctp.Transport /
// grpcrt package use gRPC for, not protobuf encoding (SPEC_FULL.md §6).
package duplex

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding and
// selected per-call via grpc.CallContentSubtype/grpc.ForceServerCodec.
const CodecName = "livesync-json"

func init() {
	encoding.RegisterCodec(rawJSONCodec{})
}

// rawJSONCodec treats every message as an already-JSON-encoded []byte —
// the tagged frames json.Marshal produces and transport.Decode reads — so gRPC never
// attempts protobuf marshaling of them.
type rawJSONCodec struct{}

func (rawJSONCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		return *t, nil
	default:
		return nil, fmt.Errorf("duplex: codec cannot marshal %T, want []byte", v)
	}
}

func (rawJSONCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("duplex: codec cannot unmarshal into %T, want *[]byte", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (rawJSONCodec) Name() string { return CodecName }
