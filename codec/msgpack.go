package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgPack marshals payloads as MessagePack. Useful when outbox payload size
// matters: rows stay smaller than JSON without requiring a schema, and the
// inbox resolves it through the content-type registry like any other codec.
type MsgPack struct{}

func (MsgPack) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgPack) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (MsgPack) ContentType() string {
	return "application/msgpack"
}

// Compile-time check.
var _ Codec = MsgPack{}

func init() {
	Register(MsgPack{})
}
