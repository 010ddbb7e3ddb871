package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/codec"
	"github.com/busguard/busguard/lifecycle"
	"github.com/busguard/busguard/registry"
	"github.com/busguard/busguard/routing"
	"github.com/busguard/busguard/transport"
	"github.com/busguard/busguard/worker"
)

// Guard is the idempotent entry point for inbound messages.
//
// Bound as a transport handler, it records every delivery as an inbox row
// before any business logic runs and then dispatches by what it finds:
//
//   - no row yet: insert one in processing state and execute the consumer
//     on the background pool, freeing the transport goroutine
//   - row already processed or ignored: drop the redelivery
//   - row unfinished (a previous attempt failed or was orphaned): claim it
//     and retry the consumer inline
//
// Errors never cross back into the transport: a failing handler is
// recorded into the row with a retry schedule and the delivery is
// acknowledged. Retrying is the redeliverer's job from then on, which is
// what makes consumption safe on transports that would otherwise redeliver
// in a tight loop.
type Guard struct {
	store    Store
	registry *registry.Registry
	pool     *worker.Pool

	retryUnit time.Duration
	logger    *slog.Logger
	metrics   *metrics
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardRetryUnit sets the exponential-backoff base unit for failed
// handler attempts. Default 30s.
func WithGuardRetryUnit(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.retryUnit = d
		}
	}
}

// WithGuardPool sets the background execution pool. By default the guard
// creates its own with the pool defaults.
func WithGuardPool(p *worker.Pool) GuardOption {
	return func(g *Guard) {
		if p != nil {
			g.pool = p
		}
	}
}

// WithGuardLogger sets a custom logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGuard creates an inbox guard over a store and a consumer registry.
func NewGuard(store Store, reg *registry.Registry, opts ...GuardOption) *Guard {
	g := &Guard{
		store:     store,
		registry:  reg,
		retryUnit: 30 * time.Second,
		logger:    slog.Default().With("component", "inbox.guard"),
		metrics:   newMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.pool == nil {
		g.pool = worker.New(worker.WithLogger(g.logger))
	}
	return g
}

// Close drains the background pool. Call after the transport subscriptions
// are closed so no new work arrives.
func (g *Guard) Close() {
	g.pool.Close()
}

// Bind subscribes the guard to a routing-key pattern on a transport.
func (g *Guard) Bind(ctx context.Context, tr transport.Transport, pattern string) (transport.Subscription, error) {
	return tr.Subscribe(ctx, pattern, g.Handler())
}

// Handler returns the guard as a transport handler. It always acknowledges:
// failures are recorded in the inbox, never surfaced to the broker.
func (g *Guard) Handler() transport.Handler {
	return func(ctx context.Context, msg transport.Message) error {
		g.HandleInbound(ctx, msg)
		return nil
	}
}

// HandleInbound fans an inbound message out to every registered consumer of
// its message type, guarding each with an inbox row.
func (g *Guard) HandleInbound(ctx context.Context, msg transport.Message) {
	messageType := msg.Metadata()[transport.MetaMessageType]
	consumers := g.registry.ConsumersFor(messageType)
	if len(consumers) == 0 {
		g.logger.Debug("no consumers for message type", "message_type", messageType, "id", msg.ID())
		return
	}
	for _, c := range consumers {
		if err := g.handleFor(ctx, msg, c); err != nil {
			g.logger.Error("inbox handling failed",
				"id", msg.ID(), "consumer", c.Name, "error", err)
		}
	}
}

func (g *Guard) handleFor(ctx context.Context, msg transport.Message, c registry.Consumer) error {
	id := BuildID(msg.ID(), c.Name)
	row, err := g.store.Get(ctx, id)

	switch {
	case busguard.IsNotFound(err):
		return g.handleNew(ctx, msg, c, id)
	case err != nil:
		return fmt.Errorf("load inbox row %s: %w", id, err)
	case lifecycle.InboxTransitions.Terminal(row.Status) || row.Status == lifecycle.StatusProcessed:
		// Already done with this message; drop the redelivery.
		g.metrics.deduplicated.Add(ctx, 1)
		g.logger.Debug("duplicate delivery dropped", "id", id, "consumer", c.Name, "status", row.Status)
		return nil
	default:
		return g.retryExisting(ctx, c, row)
	}
}

// handleNew records the delivery and schedules the consumer on the
// background pool.
func (g *Guard) handleNew(ctx context.Context, msg transport.Message, c registry.Consumer, id string) error {
	now := time.Now().UTC()
	row := &Message{
		ID:            id,
		TrackingID:    msg.ID(),
		Consumer:      c.Name,
		Source:        msg.Source(),
		Payload:       msg.Payload(),
		MessageType:   msg.Metadata()[transport.MetaMessageType],
		RoutingKey:    msg.Metadata()[transport.MetaRoutingKey],
		Metadata:      msg.Metadata(),
		Status:        lifecycle.StatusProcessing,
		CreatedAt:     now,
		LastConsumeAt: now,
	}
	if err := g.store.Insert(ctx, row); err != nil {
		if busguard.IsDuplicate(err) {
			// Lost the insert race to a concurrent delivery.
			g.metrics.deduplicated.Add(ctx, 1)
			return nil
		}
		return fmt.Errorf("record inbox row %s: %w", id, err)
	}
	g.metrics.stored.Add(ctx, 1)

	return g.pool.Submit(ctx, worker.Task{
		Name: "inbox:" + c.Name + ":" + row.TrackingID,
		Run: func(taskCtx context.Context) error {
			return g.Execute(taskCtx, c, row)
		},
	})
}

// retryExisting claims an unfinished row and re-runs the consumer inline.
func (g *Guard) retryExisting(ctx context.Context, c registry.Consumer, row *Message) error {
	claimed := row.Clone()
	if !lifecycle.InboxTransitions.CanTransition(claimed.Status, lifecycle.StatusProcessing) {
		return nil
	}
	claimed.Status = lifecycle.StatusProcessing
	claimed.LastConsumeAt = time.Now().UTC()
	if err := g.store.Update(ctx, claimed); err != nil {
		if busguard.IsConflict(err) {
			// Another worker owns this row.
			g.metrics.conflicts.Add(ctx, 1)
			return nil
		}
		return fmt.Errorf("claim inbox row %s: %w", claimed.ID, err)
	}
	return g.Execute(ctx, c, claimed)
}

// Execute decodes the payload, runs the consumer and records the outcome.
// The row must be in processing state and owned by the caller.
func (g *Guard) Execute(ctx context.Context, c registry.Consumer, row *Message) error {
	target, err := g.registry.NewMessage(row.MessageType)
	if err != nil {
		// Permanent for this message: the type was never registered.
		g.markFailed(ctx, row, err)
		return err
	}
	cdc := codec.MustGet(row.Metadata[transport.MetaContentType])
	if err := cdc.Decode(row.Payload, target); err != nil {
		err = fmt.Errorf("decode %s payload: %w", row.MessageType, err)
		g.markFailed(ctx, row, err)
		return err
	}
	key, err := routing.Parse(row.RoutingKey)
	if err != nil {
		key = routing.Key{}
	}

	if err := c.Handle(ctx, target, key); err != nil {
		g.markFailed(ctx, row, err)
		return fmt.Errorf("consumer %s: %w", c.Name, err)
	}

	row.Status = lifecycle.StatusProcessed
	row.LastConsumeAt = time.Now().UTC()
	row.LastError = ""
	row.NextRetryAt = nil
	if err := g.store.Update(ctx, row); err != nil && !busguard.IsConflict(err) {
		return fmt.Errorf("mark inbox row %s processed: %w", row.ID, err)
	}
	g.metrics.consumed.Add(ctx, 1)
	return nil
}

func (g *Guard) markFailed(ctx context.Context, row *Message, cause error) {
	now := time.Now().UTC()
	row.Status = lifecycle.StatusFailed
	row.LastConsumeAt = now
	row.LastError = cause.Error()
	row.RetryCount++
	next := lifecycle.NextRetryTime(now, row.RetryCount, g.retryUnit)
	row.NextRetryAt = &next

	if err := g.store.Update(ctx, row); err != nil && !busguard.IsConflict(err) {
		g.logger.Error("failed to record inbox failure", "id", row.ID, "error", err)
		return
	}
	g.metrics.failed.Add(ctx, 1)
}
