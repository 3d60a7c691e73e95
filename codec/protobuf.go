package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf encodes a concrete message type.
type Protobuf[T proto.Message] struct {
	new func() T // constructor for a concrete message (e.g., func() *mypb.Header { return &mypb.Header{} })
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// StructPB carries a Header as a google.protobuf.Struct. Values must be
// JSON-compatible; numbers decode as float64.
type StructPB struct{}

var _ Codec[Header] = StructPB{}

var structs = NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })

func (StructPB) Encode(h Header) ([]byte, error) {
	s, err := structpb.NewStruct(h)
	if err != nil {
		return nil, err
	}
	return structs.Encode(s)
}

func (StructPB) Decode(b []byte) (Header, error) {
	s, err := structs.Decode(b)
	if err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
