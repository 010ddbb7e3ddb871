// Package nats provides a transport implementation backed by core NATS.
//
// Routing keys map directly onto NATS subjects; the single-segment wildcard
// "*" is supported natively. Core NATS is fire-and-forget at the broker, so
// at-least-once behavior comes from the outbox relay re-publishing rows that
// were never marked processed, and duplicate suppression from the inbox.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/busguard/busguard/transport"
)

// Transport implements transport.Transport over a NATS connection.
type Transport struct {
	conn   *nats.Conn
	queue  string
	logger *slog.Logger
	closed atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures the transport.
type Option func(*Transport)

// WithQueueGroup makes subscriptions join a queue group so that each message
// is delivered to one member instead of every subscriber. Use this when
// running multiple consumer instances against the same subject.
func WithQueueGroup(name string) Option {
	return func(t *Transport) { t.queue = name }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a NATS-backed transport on an established connection. The
// caller owns the connection lifecycle.
func New(conn *nats.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:   conn,
		logger: slog.Default().With("component", "transport.nats"),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish sends the message on the routing-key subject.
func (t *Transport) Publish(ctx context.Context, routingKey string, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	data, err := transport.EncodeEnvelope(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(routingKey, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe registers a handler on the routing-key subject.
func (t *Transport) Subscribe(ctx context.Context, routingKey string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	s := &subscription{id: uuid.New().String(), t: t}

	cb := func(m *nats.Msg) {
		msg, err := transport.DecodeEnvelope(m.Data)
		if err != nil {
			t.logger.Error("dropping undecodable message",
				"subject", m.Subject,
				"error", err)
			return
		}
		if err := h(msg.Context(), msg); err != nil {
			// Core NATS has no nack; the handler owns retries.
			t.logger.Error("handler failed",
				"subject", m.Subject,
				"message_id", msg.ID(),
				"error", err)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if t.queue != "" {
		natsSub, err = t.conn.QueueSubscribe(routingKey, t.queue, cb)
	} else {
		natsSub, err = t.conn.Subscribe(routingKey, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", routingKey, err)
	}
	s.sub = natsSub

	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()

	return s, nil
}

// Close drains all subscriptions. The underlying connection is left open for
// the caller to close.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if err := s.Close(ctx); err != nil {
			t.logger.Warn("closing subscription failed", "subscription", s.id, "error", err)
		}
	}
	return nil
}

type subscription struct {
	id  string
	sub *nats.Subscription
	t   *Transport
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Close(ctx context.Context) error {
	s.t.mu.Lock()
	delete(s.t.subs, s.id)
	s.t.mu.Unlock()
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Compile-time check.
var _ transport.Transport = (*Transport)(nil)
