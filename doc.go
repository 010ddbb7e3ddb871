// Package busguard provides reliable at-least-once message delivery between
// a transactional store and a message bus, built on the transactional outbox
// and inbox patterns.
//
// # Architecture
//
// The module is split into two symmetric halves around a shared core:
//
//   - outbox: guards the producing side. Messages are persisted in the same
//     transaction as the business write and published asynchronously by a
//     background relay, so a crash between commit and publish never loses a
//     message.
//   - inbox: guards the consuming side. Every inbound message is recorded
//     under a deterministic deduplication id before its handler runs, so
//     bus-level redelivery never executes business logic twice.
//
// Shared building blocks:
//
//   - lifecycle: the pure state machine governing message status transitions,
//     exponential retry backoff and cleanup/ignore eligibility.
//   - routing: logical routing keys of the form group.context.messageType.action.
//   - codec: payload serialization (JSON, MessagePack, Protocol Buffers).
//   - registry: explicit consumer and message-type registries used to locate
//     handlers for stored messages without reflection.
//   - transport: the bus collaborator. In-memory channel, NATS, Kafka and
//     Redis Streams implementations are provided.
//   - worker: a bounded background pool whose task outcomes are always
//     captured and logged, used for fire-and-forget consumer execution.
//
// # Delivery flow
//
// Producing:
//
//	_, err := producer.EnqueueTx(ctx, tx, payload, key, trackingID)
//	// transaction commits; the relay publishes asynchronously:
//	relay := outbox.NewRelay(store, producer)
//	go relay.Start(ctx)
//
// A publish failure marks the row failed and schedules a retry with
// exponential backoff. There is no retry ceiling in the relay itself; the
// cleaner's retention policies are what eventually stop permanently broken
// messages.
//
// Consuming:
//
//	guard := inbox.NewGuard(store, reg)
//	sub, err := guard.Bind(ctx, transport, "message.billing.*.*")
//
// The guard deduplicates by tracking id and consumer identity: an already
// processed row is a no-op, an unfinished row is retried inline, and a new
// row is recorded before the handler runs in the background. Handler errors
// are captured into the row and never propagated back to the transport, so
// the bus does not requeue and duplicate-invoke.
//
// # Concurrency model
//
// Multiple process instances may run relays, cleaners and consumers against
// the same store. The store row is the single source of truth; every row
// update goes through an optimistic version check, so at most one worker wins
// any given attempt and the losers abort silently. In-memory re-entrancy
// flags on the loops are process-local conveniences, not distributed locks.
package busguard
