package bus

import "encoding/json"

// jsonCodec is a grpc encoding.Codec that marshals with encoding/json
// instead of protobuf, so Envelope can cross the wire without a protoc
// step: the bus transport is an out-of-scope external collaborator here,
// contracted only through the Go interfaces in bus.go, so there is no
// .proto schema to generate from.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
