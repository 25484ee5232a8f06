package codec

import "google.golang.org/protobuf/proto"

// Protobuf encodes proto messages. new constructs an empty message to decode
// into, e.g. func() *structpb.Struct { return &structpb.Struct{} }.
// Encoding is deterministic so equal messages produce equal bytes.
type Protobuf[T proto.Message] struct {
	new func() T
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Name() string { return "protobuf" }

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
