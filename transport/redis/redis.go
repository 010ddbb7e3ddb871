// Package redis provides a transport implementation backed by Redis Streams.
//
// Each routing key maps to one stream; subscriptions read through a consumer
// group so multiple instances share the work. Messages are acknowledged
// after the handler returns regardless of outcome, because inbox-guarded
// consumers own their retries.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/busguard/busguard/transport"
)

const envelopeField = "envelope"

// Transport implements transport.Transport over Redis Streams.
type Transport struct {
	client    redis.UniversalClient
	group     string
	consumer  string
	prefix    string
	blockTime time.Duration
	maxLen    int64
	logger    *slog.Logger
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures the transport.
type Option func(*Transport)

// WithGroup sets the consumer group name. Default "busguard".
func WithGroup(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.group = name
		}
	}
}

// WithConsumerName sets this instance's name within the group. Defaults to a
// random id per Transport.
func WithConsumerName(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.consumer = name
		}
	}
}

// WithStreamPrefix sets the key prefix for streams. Default "busguard:".
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithMaxLen caps stream length with approximate trimming (XADD MAXLEN ~).
// Zero disables trimming. Default 100000.
func WithMaxLen(n int64) Option {
	return func(t *Transport) { t.maxLen = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Redis Streams transport on an established client. The caller
// owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:    client,
		group:     "busguard",
		consumer:  uuid.New().String(),
		prefix:    "busguard:",
		blockTime: 5 * time.Second,
		maxLen:    100000,
		logger:    slog.Default().With("component", "transport.redis"),
		subs:      make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) streamName(routingKey string) string {
	return t.prefix + routingKey
}

// Publish appends the message to the routing key's stream.
func (t *Transport) Publish(ctx context.Context, routingKey string, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	data, err := transport.EncodeEnvelope(msg)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: t.streamName(routingKey),
		Values: map[string]any{envelopeField: data},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe reads the routing key's stream through the consumer group.
func (t *Transport) Subscribe(ctx context.Context, routingKey string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	stream := t.streamName(routingKey)
	err := t.client.XGroupCreateMkStream(ctx, stream, t.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group on %s: %w", stream, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:     uuid.New().String(),
		cancel: cancel,
		done:   make(chan struct{}),
		t:      t,
	}

	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()

	go t.readLoop(subCtx, stream, h, s)
	return s, nil
}

func (t *Transport) readLoop(ctx context.Context, stream string, h transport.Handler, s *subscription) {
	defer close(s.done)

	for ctx.Err() == nil {
		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{stream, ">"},
			Count:    32,
			Block:    t.blockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			t.logger.Warn("read group failed, backing off", "stream", stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, str := range streams {
			for _, entry := range str.Messages {
				t.deliver(ctx, stream, entry, h)
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, stream string, entry redis.XMessage, h transport.Handler) {
	raw, _ := entry.Values[envelopeField].(string)
	msg, err := transport.DecodeEnvelope([]byte(raw))
	if err != nil {
		t.logger.Error("dropping undecodable message",
			"stream", stream,
			"entry", entry.ID,
			"error", err)
		t.client.XAck(ctx, stream, t.group, entry.ID)
		return
	}

	if err := h(msg.Context(), msg); err != nil {
		t.logger.Error("handler failed",
			"stream", stream,
			"message_id", msg.ID(),
			"error", err)
	}
	// Ack either way; inbox-guarded consumers own their retries.
	if err := t.client.XAck(ctx, stream, t.group, entry.ID).Err(); err != nil {
		t.logger.Warn("ack failed", "stream", stream, "entry", entry.ID, "error", err)
	}
}

// Close stops all subscriptions. The Redis client is left open for the
// caller to close.
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

type subscription struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	t      *Transport

	closeOnce sync.Once
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s.id)
		s.t.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}

// Compile-time check.
var _ transport.Transport = (*Transport)(nil)
