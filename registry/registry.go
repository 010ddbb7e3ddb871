// Package registry provides explicit lookup tables for consumers and message
// types.
//
// Stored messages reference their payload schema and their consumer by stable
// string names. Rather than resolving those names through runtime reflection,
// everything is registered into an explicit map at startup:
//
//	reg := registry.New()
//	reg.RegisterMessageType("billing.InvoiceCreated", func() any { return new(InvoiceCreated) })
//	reg.RegisterConsumer(registry.Consumer{
//	    Name:        "InvoiceCreatedHandler",
//	    MessageType: "billing.InvoiceCreated",
//	    Handle: func(ctx context.Context, payload any, key routing.Key) error {
//	        inv := payload.(*InvoiceCreated)
//	        return process(ctx, inv)
//	    },
//	})
//
// A lookup for a name that was never registered yields a
// busguard.ConfigurationError: the failure is permanent for that message and
// the row is left failed for manual inspection.
package registry

import (
	"context"
	"sync"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/routing"
)

// Handler is the business logic invoked for a decoded inbound payload.
type Handler func(ctx context.Context, payload any, key routing.Key) error

// Consumer binds a stable consumer identity to the message type it consumes
// and the handler to invoke. The Name participates in inbox deduplication
// ids, so renaming a consumer makes previously processed messages eligible
// again.
type Consumer struct {
	Name        string
	MessageType string
	Handle      Handler
}

// Registry maps consumer identities and message type names to their
// implementations. Safe for concurrent use; registration typically happens
// once at startup.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]Consumer
	types     map[string]func() any
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		consumers: make(map[string]Consumer),
		types:     make(map[string]func() any),
	}
}

// RegisterConsumer adds a consumer. Registering the same name twice replaces
// the previous entry.
func (r *Registry) RegisterConsumer(c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.Name] = c
}

// RegisterMessageType adds a payload type factory under its full type name.
// The factory must return a pointer to a fresh zero value suitable for
// decoding into.
func (r *Registry) RegisterMessageType(fullName string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[fullName] = factory
}

// Consumer resolves a consumer by identity.
func (r *Registry) Consumer(name string) (Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[name]
	if !ok {
		return Consumer{}, &busguard.ConfigurationError{Kind: "consumer", Name: name}
	}
	return c, nil
}

// ConsumersFor returns every consumer registered for a message type, in no
// particular order. Used to fan an inbound message out to all interested
// consumers.
func (r *Registry) ConsumersFor(messageType string) []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Consumer
	for _, c := range r.consumers {
		if c.MessageType == messageType {
			out = append(out, c)
		}
	}
	return out
}

// NewMessage instantiates a fresh payload value for a message type name.
func (r *Registry) NewMessage(fullName string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.types[fullName]
	if !ok {
		return nil, &busguard.ConfigurationError{Kind: "message type", Name: fullName}
	}
	return factory(), nil
}
