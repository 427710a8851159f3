package ipc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is the gRPC content-subtype under which the raw-bytes codec
// is registered, keeping it distinct from the default protobuf codec
// without requiring every message on the wire to go through it.
const rawCodecName = "buildxl-raw"

// message is the wire representation used by the Collaborator service: an
// opaque payload with no generated marshal/unmarshal code, since the
// Ipc pip kind treats the payload and result as uninterpreted bytes (§6:
// "the core uses send(payload) -> result only").
type message []byte

// rawCodec implements grpc/encoding.Codec by passing message bytes through
// unchanged, avoiding a protobuf schema for a payload the core never
// inspects.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("ipc: raw codec cannot marshal %T", v)
	}
	return m, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*message)
	if !ok {
		return fmt.Errorf("ipc: raw codec cannot unmarshal into %T", v)
	}
	*m = append(message(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return rawCodecName
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
