// Package outbox implements the transactional outbox pattern for reliable
// message publishing.
//
// The outbox guarantees that a produced business event is never silently
// lost, even when the bus is unreachable at publish time:
//
//  1. The producer stores the message as a row in the outbox store, inside
//     the same transaction as the business write.
//  2. After the transaction commits, the row is published to the transport,
//     either immediately or by the background relay.
//  3. On transport success the row is marked processed; on failure it is
//     marked failed with an exponential-backoff retry schedule, and the
//     relay re-attempts it once the schedule elapses.
//
// Multiple relay instances may run against the same store: every row update
// carries an optimistic version check, so concurrent dispatchers cannot
// double-send the same row. The cleaner bounds table growth by trimming
// processed rows past a count cap and processed/failed rows past their
// retention ages.
//
// # Example
//
//	store := outbox.NewPostgresStore(db)
//	producer := outbox.NewProducer(store, transport, outbox.WithSource("billing"))
//
//	err := txManager.Execute(ctx, func(tx *sql.Tx) error {
//	    if _, err := tx.Exec("UPDATE orders SET status = $1 WHERE id = $2", "shipped", orderID); err != nil {
//	        return err
//	    }
//	    _, err := producer.EnqueueTx(ctx, tx, order, key, order.TrackingID)
//	    return err
//	})
//
//	relay := outbox.NewRelay(store, producer)
//	go relay.Start(ctx)
//
//	cleaner := outbox.NewCleaner(store)
//	go cleaner.Start(ctx)
package outbox

import (
	"time"

	"github.com/busguard/busguard/lifecycle"
)

// Message is a message row in the outbox.
//
// The row id doubles as the deduplication key: it is the producer-assigned
// tracking id, and the store's primary-key constraint is what makes enqueue
// race-safe, not any query-then-insert check.
type Message struct {
	// ID is the tracking id and primary key.
	ID string
	// Payload is the serialized payload. Opaque to the engine.
	Payload []byte
	// MessageType is the payload's full type name, used by consumers for
	// polymorphic decoding.
	MessageType string
	// RoutingKey is the logical address the message is published under.
	RoutingKey string
	// Metadata carries optional headers, e.g. the payload content type.
	Metadata map[string]string
	// Status is the delivery state. See lifecycle.OutboxTransitions.
	Status lifecycle.Status
	// CreatedAt is when the row was created. Immutable.
	CreatedAt time.Time
	// LastSendAt is the time of the most recent publish attempt; zero
	// until the first attempt.
	LastSendAt time.Time
	// LastError is the most recent publish failure detail.
	LastError string
	// RetryCount is the number of failed publish attempts.
	RetryCount int
	// NextRetryAt is when the row becomes eligible for another attempt.
	// Nil unless the row is failed and scheduled.
	NextRetryAt *time.Time
	// Version is the optimistic-concurrency token, incremented by the
	// store on every successful update.
	Version int64
}

// BuildID returns the row id for a tracking id. Outbox rows are keyed by the
// tracking id alone; the inbox adds the consumer identity.
func BuildID(trackingID string) string {
	return trackingID
}

// Clone returns a deep copy so callers can mutate rows without aliasing
// store-held state.
func (m *Message) Clone() *Message {
	out := *m
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}
