// Package kafka provides a transport implementation backed by Apache Kafka
// using the Sarama client.
//
// Routing keys map to topic names with dots replaced by the configured
// separator (Kafka topic names commonly avoid dots). Wildcard subscription
// patterns are not supported; subscribe to concrete keys.
//
// Recommended sarama.Config settings for at-least-once delivery:
//
//	config := sarama.NewConfig()
//	config.Producer.RequiredAcks = sarama.WaitForAll
//	config.Producer.Return.Successes = true
//	config.Consumer.Offsets.AutoCommit.Enable = false
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/busguard/busguard/transport"
)

// Transport implements transport.Transport over a Kafka cluster.
type Transport struct {
	client    sarama.Client
	producer  sarama.SyncProducer
	groupID   string
	separator string
	logger    *slog.Logger
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option configures the transport.
type Option func(*Transport)

// WithGroupID sets the consumer group id. Default "busguard".
func WithGroupID(id string) Option {
	return func(t *Transport) {
		if id != "" {
			t.groupID = id
		}
	}
}

// WithTopicSeparator sets the character routing-key dots are replaced with
// in topic names. Default "-".
func WithTopicSeparator(sep string) Option {
	return func(t *Transport) {
		if sep != "" {
			t.separator = sep
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

// New creates a Kafka-backed transport from an established Sarama client.
// The caller owns the client lifecycle.
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	t := &Transport{
		client:    client,
		producer:  producer,
		groupID:   "busguard",
		separator: "-",
		logger:    slog.Default().With("component", "transport.kafka"),
		subs:      make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) topicName(routingKey string) string {
	return strings.ReplaceAll(routingKey, ".", t.separator)
}

// Publish sends the message to the routing key's topic, keyed by message id
// so retries of the same message land on the same partition.
func (t *Transport) Publish(ctx context.Context, routingKey string, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	data, err := transport.EncodeEnvelope(msg)
	if err != nil {
		return err
	}

	_, _, err = t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topicName(routingKey),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe joins the consumer group on the routing key's topic.
func (t *Transport) Subscribe(ctx context.Context, routingKey string, h transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	group, err := sarama.NewConsumerGroupFromClient(t.groupID, t.client)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:     uuid.New().String(),
		group:  group,
		cancel: cancel,
		done:   make(chan struct{}),
		t:      t,
	}

	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()

	topic := t.topicName(routingKey)
	go func() {
		defer close(s.done)
		handler := &groupHandler{handle: h, logger: t.logger}
		for {
			if err := group.Consume(subCtx, []string{topic}, handler); err != nil {
				if subCtx.Err() != nil {
					return
				}
				t.logger.Error("consume loop error, rejoining", "topic", topic, "error", err)
			}
			if subCtx.Err() != nil {
				return
			}
		}
	}()

	return s, nil
}

// Close stops all subscriptions and the producer. The Sarama client is left
// open for the caller to close.
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
	return t.producer.Close()
}

type subscription struct {
	id     string
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
	t      *Transport

	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s.id)
		s.t.mu.Unlock()
		s.cancel()
		<-s.done
		s.closeErr = s.group.Close()
	})
	return s.closeErr
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	handle transport.Handler
	logger *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for kmsg := range claim.Messages() {
		msg, err := transport.DecodeEnvelope(kmsg.Value)
		if err != nil {
			// Undecodable data would poison the partition if left
			// uncommitted; log and advance past it.
			h.logger.Error("dropping undecodable message",
				"topic", kmsg.Topic,
				"partition", kmsg.Partition,
				"offset", kmsg.Offset,
				"error", err)
			session.MarkMessage(kmsg, "")
			continue
		}

		if err := h.handle(msg.Context(), msg); err != nil {
			h.logger.Error("handler failed",
				"topic", kmsg.Topic,
				"message_id", msg.ID(),
				"error", err)
		}
		// Mark regardless of handler outcome: inbox-guarded consumers own
		// retries, and an unmarked offset would cause redelivery storms.
		session.MarkMessage(kmsg, "")
	}
	return nil
}

// Compile-time check.
var _ transport.Transport = (*Transport)(nil)
