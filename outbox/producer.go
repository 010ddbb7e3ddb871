package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/codec"
	"github.com/busguard/busguard/lifecycle"
	"github.com/busguard/busguard/routing"
	"github.com/busguard/busguard/transport"
)

// Producer guards the producing side of the bus.
//
// Enqueue persists the message as an outbox row; DispatchPending publishes a
// row to the transport under an optimistic claim so that concurrent
// dispatchers never double-send. A transport failure is captured into the
// row and scheduled for retry; it is never propagated back to the business
// caller, whose write must not fail because the side-channel publish did.
type Producer struct {
	store     Store
	transport transport.Transport
	codec     codec.Codec
	source    string

	retryUnit      time.Duration
	publishTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithSource sets the producing context name stamped on published messages.
func WithSource(source string) ProducerOption {
	return func(p *Producer) { p.source = source }
}

// WithCodec sets the payload codec. Default JSON.
func WithCodec(c codec.Codec) ProducerOption {
	return func(p *Producer) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithRetryUnit sets the exponential-backoff base unit for failed publishes.
// Default 30s: retries are scheduled 60s, 120s, 240s, ... after each failure.
func WithRetryUnit(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.retryUnit = d
		}
	}
}

// WithPublishTimeout bounds each transport publish call. Default 30s. A
// stuck transport call must not hold up the relay's next tick.
func WithPublishTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithProducerLogger sets a custom logger.
func WithProducerLogger(l *slog.Logger) ProducerOption {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProducer creates an outbox producer.
func NewProducer(store Store, t transport.Transport, opts ...ProducerOption) *Producer {
	p := &Producer{
		store:          store,
		transport:      t,
		codec:          codec.Default(),
		source:         "outbox",
		retryUnit:      30 * time.Second,
		publishTimeout: 30 * time.Second,
		logger:         slog.Default().With("component", "outbox.producer"),
		metrics:        newMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue persists a new outbox row outside any caller transaction.
//
// Use this with stores whose unit of work is pseudo-transactional (e.g. the
// memory store, or Mongo without a session): the row is durable immediately
// and the caller may dispatch inline afterward. With a real SQL transaction
// use EnqueueTx instead, so a rollback of the business write also discards
// the message.
//
// An empty trackingID is replaced with a fresh UUID. A persistence failure
// is returned to the caller; it is not swallowed.
func (p *Producer) Enqueue(ctx context.Context, payload any, key routing.Key, trackingID string) (*Message, error) {
	msg, err := p.buildMessage(payload, key, trackingID)
	if err != nil {
		return nil, err
	}
	if err := p.store.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
	}
	p.metrics.enqueued.Add(ctx, 1)
	return msg, nil
}

// EnqueueTx persists a new outbox row inside the caller's SQL transaction,
// co-locating it with the business write. The store must implement
// TxInserter.
func (p *Producer) EnqueueTx(ctx context.Context, tx *sql.Tx, payload any, key routing.Key, trackingID string) (*Message, error) {
	inserter, ok := p.store.(TxInserter)
	if !ok {
		return nil, fmt.Errorf("store %T does not support transactional insert", p.store)
	}
	msg, err := p.buildMessage(payload, key, trackingID)
	if err != nil {
		return nil, err
	}
	if err := inserter.InsertTx(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
	}
	p.metrics.enqueued.Add(ctx, 1)
	return msg, nil
}

func (p *Producer) buildMessage(payload any, key routing.Key, trackingID string) (*Message, error) {
	if trackingID == "" {
		trackingID = uuid.New().String()
	}
	data, err := p.codec.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	messageType := TypeName(payload)
	return &Message{
		ID:          BuildID(trackingID),
		Payload:     data,
		MessageType: messageType,
		RoutingKey:  key.String(),
		Metadata: map[string]string{
			transport.MetaContentType: p.codec.ContentType(),
			transport.MetaMessageType: messageType,
			transport.MetaRoutingKey:  key.String(),
		},
		Status:    lifecycle.StatusNew,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DispatchPending attempts to publish one row to the transport.
//
// The row is first claimed by moving it to processing under its optimistic
// version; losing that race means another dispatcher owns the row, and the
// call aborts silently. On transport success the row becomes processed; on
// failure it becomes failed with the retry bookkeeping updated and the
// transport error is returned for the caller's logging.
func (p *Producer) DispatchPending(ctx context.Context, msg *Message) error {
	claimed := msg.Clone()
	if !lifecycle.OutboxTransitions.CanTransition(claimed.Status, lifecycle.StatusProcessing) {
		return fmt.Errorf("message %s: cannot dispatch from status %s", claimed.ID, claimed.Status)
	}
	claimed.Status = lifecycle.StatusProcessing
	claimed.LastSendAt = time.Now().UTC()

	if err := p.store.Update(ctx, claimed); err != nil {
		if busguard.IsConflict(err) {
			// Another worker owns this row.
			p.metrics.conflicts.Add(ctx, 1)
			p.logger.Debug("dispatch claim lost", "id", claimed.ID)
			return nil
		}
		return fmt.Errorf("claim outbox message %s: %w", claimed.ID, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	pubErr := p.transport.Publish(pubCtx, claimed.RoutingKey,
		transport.NewMessage(claimed.ID, p.source, claimed.Payload, claimed.Metadata))
	cancel()

	now := time.Now().UTC()
	if pubErr == nil {
		claimed.Status = lifecycle.StatusProcessed
		claimed.LastSendAt = now
		claimed.LastError = ""
		claimed.NextRetryAt = nil
		if err := p.store.Update(ctx, claimed); err != nil && !busguard.IsConflict(err) {
			return fmt.Errorf("mark outbox message %s processed: %w", claimed.ID, err)
		}
		p.metrics.dispatched.Add(ctx, 1)
		p.logger.Debug("dispatched outbox message", "id", claimed.ID, "routing_key", claimed.RoutingKey)
		return nil
	}

	claimed.Status = lifecycle.StatusFailed
	claimed.LastSendAt = now
	claimed.LastError = pubErr.Error()
	claimed.RetryCount++
	next := lifecycle.NextRetryTime(now, claimed.RetryCount, p.retryUnit)
	claimed.NextRetryAt = &next

	if err := p.store.Update(ctx, claimed); err != nil && !busguard.IsConflict(err) {
		return errors.Join(pubErr, fmt.Errorf("mark outbox message %s failed: %w", claimed.ID, err))
	}
	p.metrics.failed.Add(ctx, 1)
	return fmt.Errorf("publish outbox message %s: %w", claimed.ID, pubErr)
}

// TypeName returns a stable full type name for a payload value, with any
// pointer markers stripped.
func TypeName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
