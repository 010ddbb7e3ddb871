// Package codec provides payload serialization for stored messages.
//
// The outbox producer encodes business payloads through a Codec before
// persisting them; the stored bytes are opaque to the delivery engine. The
// inbox side decodes them back into registered message types before invoking
// consumers.
//
// Usage:
//
//	// JSON is the default
//	producer := outbox.NewProducer(store, transport)
//
//	// Use msgpack instead
//	producer := outbox.NewProducer(store, transport,
//	    outbox.WithCodec(codec.MsgPack{}))
package codec

import "sync"

// Codec encodes and decodes message payloads.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes into the target, which must be a pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g. "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}

var (
	mu       sync.RWMutex
	registry = map[string]Codec{
		"application/json": JSON{},
	}
)

// Register adds a codec to the global registry. Codecs are looked up by
// content type when decoding stored payloads.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.ContentType()] = c
}

// Get retrieves a codec by content type.
func Get(contentType string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[contentType]
	return c, ok
}

// MustGet retrieves a codec by content type, falling back to JSON when the
// content type is unknown.
func MustGet(contentType string) Codec {
	if c, ok := Get(contentType); ok {
		return c
	}
	return JSON{}
}
