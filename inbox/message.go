// Package inbox implements idempotent consumption over an at-least-once
// transport.
//
// Every inbound message is recorded as a row keyed by (tracking id,
// consumer identity) before its handler runs. A redelivery of an already
// processed message finds the row and is dropped; a redelivery of an
// unfinished message retries it in place. The primary-key constraint is
// the deduplication mechanism, so concurrent deliveries of the same
// message to the same consumer cannot both execute.
//
// The consume path is decoupled from the transport's delivery goroutine:
// new messages are executed on a background worker pool, and handler
// failures are recorded into the row with an exponential retry schedule
// instead of being propagated to the broker. The redeliverer retries
// failed rows; the cleaner ignores failed rows past their retry window and
// trims old rows.
//
// # Example
//
//	guard := inbox.NewGuard(store, reg, inbox.WithGuardRetryUnit(10*time.Second))
//	sub, err := guard.Bind(ctx, transport, "message.billing.*.*")
//
//	redeliverer := inbox.NewRedeliverer(store, guard)
//	go redeliverer.Start(ctx)
//
//	cleaner := inbox.NewCleaner(store)
//	go cleaner.Start(ctx)
package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/busguard/busguard/lifecycle"
)

// Message is a message row in the inbox.
//
// One transport message fans out to one row per interested consumer; the
// row id binds the producer's tracking id to the consumer identity, so the
// same message can be processed once by each consumer independently.
type Message struct {
	// ID is the deduplication key and primary key. See BuildID.
	ID string
	// TrackingID is the producer-assigned tracking id of the transport
	// message.
	TrackingID string
	// Consumer is the identity of the consumer this row belongs to. The
	// redeliverer resolves the handler through this name.
	Consumer string
	// Source identifies the producing context, when the producer sent one.
	Source string
	// Payload is the serialized payload as received.
	Payload []byte
	// MessageType is the payload's full type name, used to instantiate a
	// decode target.
	MessageType string
	// RoutingKey is the concrete key the message was published under.
	RoutingKey string
	// Metadata carries the transport metadata, e.g. the payload content
	// type.
	Metadata map[string]string
	// Status is the consumption state. See lifecycle.InboxTransitions.
	Status lifecycle.Status
	// CreatedAt is when the row was created. Immutable.
	CreatedAt time.Time
	// LastConsumeAt is the time of the most recent handler attempt.
	LastConsumeAt time.Time
	// LastError is the most recent handler failure detail.
	LastError string
	// RetryCount is the number of failed handler attempts.
	RetryCount int
	// NextRetryAt is when the row becomes eligible for another attempt.
	NextRetryAt *time.Time
	// Version is the optimistic-concurrency token.
	Version int64
}

// BuildID derives the row id from the tracking id and the consumer
// identity. The hash keeps the key short and uniform regardless of how
// long the inputs are.
func BuildID(trackingID, consumer string) string {
	sum := sha256.Sum256([]byte(trackingID + ":" + consumer))
	return hex.EncodeToString(sum[:])
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
