// Package rpcjson implements a grpc.encoding.Codec that marshals request
// and response messages with encoding/json instead of protobuf wire bytes.
//
// The SFU, captioning, and summary services are reached over real
// google.golang.org/grpc transport (streaming, deadlines, metadata,
// load-balancing all still apply) but without any generated .proto stub
// package. Registering this codec under the "json" subtype and selecting
// it per call with grpc.CallContentSubtype(Name) lets hand-written client
// code call grpc.ClientConn.Invoke/NewStream directly, the same way a
// generated stub does internally.
package rpcjson

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype this codec registers under. A call made
// with grpc.CallContentSubtype(Name) negotiates content-type
// "application/grpc+json".
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return Name }

func (codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcjson: marshal: %w", err)
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcjson: unmarshal: %w", err)
	}
	return nil
}
