package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Proto marshals payloads as Protocol Buffers for producers whose message
// types are generated proto.Message implementations. Both ends must agree on
// the schema; the registry only routes by content type, it does not carry
// descriptors.
type Proto struct{}

func (Proto) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.New("payload must implement proto.Message")
	}
	return proto.Marshal(msg)
}

// Decode requires the target to be a pointer to a generated proto.Message.
func (Proto) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.New("target must implement proto.Message")
	}
	return proto.Unmarshal(data, msg)
}

func (Proto) ContentType() string {
	return "application/protobuf"
}

// Compile-time check.
var _ Codec = Proto{}

func init() {
	Register(Proto{})
}
