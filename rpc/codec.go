// Package rpc exposes the streaming binary surface: five grpc services
// dispatched through hand-written service descriptors and a frame codec,
// with no generated message code.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype clients negotiate.
const CodecName = "blite-frame"

// Frame is implemented by messages that own their wire form. Messages
// without it marshal as JSON, which keeps the long tail of control
// messages free of hand-rolled byte layouts; the hot document-bearing
// messages implement Frame directly.
type Frame interface {
	MarshalFrame() ([]byte, error)
	UnmarshalFrame([]byte) error
}

// FrameCodec is the grpc message codec of the surface.
type FrameCodec struct{}

func (FrameCodec) Name() string { return CodecName }

func (FrameCodec) Marshal(v interface{}) ([]byte, error) {
	if f, ok := v.(Frame); ok {
		return f.MarshalFrame()
	}
	return json.Marshal(v)
}

func (FrameCodec) Unmarshal(data []byte, v interface{}) error {
	if f, ok := v.(Frame); ok {
		return f.UnmarshalFrame(data)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %T frame: %w", v, err)
	}
	return nil
}

func init() { encoding.RegisterCodec(FrameCodec{}) }
