package wire

import (
	"encoding"
	"fmt"

	grpcencoding "google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype under which the accountstream
// messages travel ("application/grpc+accountstream").
const CodecName = "accountstream"

// protoCodecName is grpc's default content-subtype. Subscribers generated
// from protos/account_stream.proto send "application/grpc+proto", so the
// same codec replaces the built-in one under that name and falls back to
// proto.Marshal for generated messages.
const protoCodecName = "proto"

func init() {
	grpcencoding.RegisterCodecV2(codec{name: CodecName})
	grpcencoding.RegisterCodecV2(codec{name: protoCodecName})
}

type codec struct {
	name string
}

func (c codec) Marshal(v any) (mem.BufferSlice, error) {
	var (
		b   []byte
		err error
	)
	switch m := v.(type) {
	case encoding.BinaryMarshaler:
		b, err = m.MarshalBinary()
	case proto.Message:
		b, err = proto.Marshal(m)
	default:
		return nil, fmt.Errorf("%s codec: cannot marshal %T", c.name, v)
	}
	if err != nil {
		return nil, err
	}
	return mem.BufferSlice{mem.SliceBuffer(b)}, nil
}

func (c codec) Unmarshal(data mem.BufferSlice, v any) error {
	switch m := v.(type) {
	case encoding.BinaryUnmarshaler:
		return m.UnmarshalBinary(data.Materialize())
	case proto.Message:
		return proto.Unmarshal(data.Materialize(), m)
	}
	return fmt.Errorf("%s codec: cannot unmarshal into %T", c.name, v)
}

func (c codec) Name() string {
	return c.name
}
