// Package channel provides an in-memory transport implementation using Go
// channels.
//
// The channel transport delivers within a single process only and provides
// no persistence: messages are lost on crash and there is no redelivery.
// That is acceptable here because delivery guarantees come from the outbox
// and inbox stores, not from the transport. Use it for tests, local
// development and single-process deployments; use the nats, kafka or redis
// transports when crossing process boundaries.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/busguard/busguard/routing"
	"github.com/busguard/busguard/transport"
)

// Transport implements transport.Transport using Go channels.
type Transport struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed atomic.Bool
	logger *slog.Logger

	bufferSize int

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

type subscription struct {
	id      string
	pattern routing.Key
	handler transport.Handler
	ch      chan transport.Message
	t       *Transport
	done    chan struct{}

	// sendMu serializes sends with channel close so a publish racing Close
	// cannot send on a closed channel.
	sendMu sync.Mutex
	closed atomic.Bool
}

func (s *subscription) ID() string { return s.id }

// deliver hands the message to the subscription's buffer. Returns false when
// the buffer is full or the subscription is closed.
func (s *subscription) deliver(msg transport.Message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscription) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.t.mu.Lock()
		delete(s.t.subs, s.id)
		s.t.mu.Unlock()
		// Wait out any in-flight deliver before closing the channel.
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
		<-s.done
	}
	return nil
}

// Option configures the channel transport.
type Option func(*Transport)

// WithBufferSize sets the per-subscription channel buffer. Default 64.
// Publishes to a full buffer drop the message for that subscriber.
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	meter := otel.Meter("busguard.transport.channel")
	delivered, _ := meter.Int64Counter("busguard.transport.channel.delivered",
		metric.WithDescription("Messages delivered to subscribers"),
		metric.WithUnit("{message}"),
	)
	dropped, _ := meter.Int64Counter("busguard.transport.channel.dropped",
		metric.WithDescription("Messages dropped due to full subscriber buffers"),
		metric.WithUnit("{message}"),
	)

	t := &Transport{
		subs:       make(map[string]*subscription),
		logger:     slog.Default().With("component", "transport.channel"),
		bufferSize: 64,
		delivered:  delivered,
		dropped:    dropped,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish delivers the message to every subscription whose pattern matches
// the routing key. Returns transport.ErrNoSubscribers when nothing matches.
func (t *Transport) Publish(ctx context.Context, routingKey string, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	key, err := routing.Parse(routingKey)
	if err != nil {
		return err
	}

	t.mu.RLock()
	var matched []*subscription
	for _, s := range t.subs {
		if key.Match(s.pattern) {
			matched = append(matched, s)
		}
	}
	t.mu.RUnlock()

	if len(matched) == 0 {
		return transport.ErrNoSubscribers
	}

	for _, s := range matched {
		if s.deliver(msg) {
			t.delivered.Add(ctx, 1)
		} else {
			t.dropped.Add(ctx, 1)
			t.logger.Warn("subscriber buffer full or closed, message dropped",
				"subscription", s.id,
				"routing_key", routingKey,
				"message_id", msg.ID())
		}
	}
	return nil
}

// Subscribe registers a handler for a routing key pattern. The handler runs
// on a dedicated goroutine per subscription.
func (t *Transport) Subscribe(ctx context.Context, routingKey string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	pattern, err := routing.Parse(routingKey)
	if err != nil {
		return nil, err
	}

	s := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: h,
		ch:      make(chan transport.Message, t.bufferSize),
		t:       t,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()

	go s.loop()
	return s, nil
}

func (s *subscription) loop() {
	defer close(s.done)
	for msg := range s.ch {
		if err := s.handler(msg.Context(), msg); err != nil {
			// The channel transport has no redelivery; log and move on.
			s.t.logger.Error("handler failed",
				"subscription", s.id,
				"message_id", msg.ID(),
				"error", err)
		}
	}
}

// Close shuts down the transport and all subscriptions.
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
		s.Close(ctx)
	}
	return nil
}

// Compile-time check.
var _ transport.Transport = (*Transport)(nil)
