// Package transport defines the bus collaborator the delivery engine
// publishes to and consumes from.
//
// Implementations live in subpackages: channel (in-memory), nats, kafka and
// redis (Redis Streams). The engine only depends on the interfaces here;
// payloads cross the transport as opaque bytes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// Transport errors.
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNoSubscribers   = errors.New("no subscribers")
	ErrPublishTimeout  = errors.New("publish timeout")
)

// Well-known metadata keys stamped by producers and read by consumers.
const (
	// MetaContentType names the codec the payload was encoded with.
	MetaContentType = "content-type"
	// MetaMessageType names the payload's registered type, used by the
	// consuming side to instantiate a decode target.
	MetaMessageType = "message-type"
	// MetaRoutingKey carries the concrete routing key the message was
	// published under, since subscribers may only know their wildcard
	// pattern.
	MetaRoutingKey = "routing-key"
)

// Handler processes an inbound message. The return value controls
// acknowledgment for transports that support it: nil acknowledges, an error
// requests redelivery. Consumers guarded by the inbox deliberately always
// return nil and take over retry responsibility themselves.
type Handler func(ctx context.Context, msg Message) error

// Transport moves serialized messages between producers and consumers.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Publish sends a message under a routing key.
	Publish(ctx context.Context, routingKey string, msg Message) error

	// Subscribe registers a handler for a routing key. The key may contain
	// single-segment wildcards where the implementation supports them.
	Subscribe(ctx context.Context, routingKey string, h Handler) (Subscription, error)

	// Close releases transport resources. In-flight handlers are allowed
	// to finish.
	Close(ctx context.Context) error
}

// Subscription is an active handler registration.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string
	// Close cancels the subscription.
	Close(ctx context.Context) error
}

// Message is a message in flight on the transport.
type Message interface {
	// ID returns the message tracking id. The inbox derives its
	// deduplication key from this, so it must be stable across redeliveries.
	ID() string
	// Source identifies the producing context.
	Source() string
	// Payload returns the serialized payload bytes.
	Payload() []byte
	// Metadata returns optional key-value metadata.
	Metadata() map[string]string
	// Context returns a context carrying remote trace information when the
	// producer propagated any.
	Context() context.Context
}

type message struct {
	id       string
	source   string
	payload  []byte
	metadata map[string]string
	span     trace.SpanContext
}

func (m *message) ID() string                  { return m.id }
func (m *message) Source() string              { return m.source }
func (m *message) Payload() []byte             { return m.payload }
func (m *message) Metadata() map[string]string { return m.metadata }
func (m *message) Context() context.Context {
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}

// NewMessage creates a transport message.
func NewMessage(id, source string, payload []byte, metadata map[string]string) Message {
	return &message{id: id, source: source, payload: payload, metadata: metadata}
}

// NewMessageWithSpan creates a transport message carrying trace context.
func NewMessageWithSpan(id, source string, payload []byte, metadata map[string]string, span trace.SpanContext) Message {
	return &message{id: id, source: source, payload: payload, metadata: metadata, span: span}
}

// Compile-time check.
var _ Message = (*message)(nil)

// Envelope is the wire representation shared by the broker-backed
// transports. The in-memory channel transport passes Message values directly
// and does not use it.
type Envelope struct {
	ID       string            `json:"id"`
	Source   string            `json:"source,omitempty"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EncodeEnvelope serializes a message for the wire.
func EncodeEnvelope(msg Message) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		ID:       msg.ID(),
		Source:   msg.Source(),
		Payload:  msg.Payload(),
		Metadata: msg.Metadata(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes a wire message.
func DecodeEnvelope(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return NewMessage(env.ID, env.Source, env.Payload, env.Metadata), nil
}
