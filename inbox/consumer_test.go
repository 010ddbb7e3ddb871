package inbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busguard/busguard/lifecycle"
	"github.com/busguard/busguard/registry"
	"github.com/busguard/busguard/routing"
	"github.com/busguard/busguard/transport"
)

type invoiceCreated struct {
	InvoiceID string `json:"invoice_id"`
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func inboundMessage(trackingID string) transport.Message {
	return transport.NewMessage(trackingID, "billing", []byte(`{"invoice_id":"inv-1"}`), map[string]string{
		transport.MetaContentType: "application/json",
		transport.MetaMessageType: "billing.invoiceCreated",
		transport.MetaRoutingKey:  "message.billing.invoiceCreated.created",
	})
}

func newTestRegistry(handle registry.Handler) *registry.Registry {
	reg := registry.New()
	reg.RegisterMessageType("billing.invoiceCreated", func() any { return new(invoiceCreated) })
	reg.RegisterConsumer(registry.Consumer{
		Name:        "invoiceCreatedHandler",
		MessageType: "billing.invoiceCreated",
		Handle:      handle,
	})
	return reg
}

func TestGuardProcessesNewMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var calls atomic.Int32
	var gotInvoice atomic.Value
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		calls.Add(1)
		gotInvoice.Store(payload.(*invoiceCreated).InvoiceID)
		return nil
	})

	guard := NewGuard(store, reg)
	defer guard.Close()

	guard.HandleInbound(ctx, inboundMessage("track-1"))
	waitFor(t, func() bool { return calls.Load() == 1 })

	if got := gotInvoice.Load(); got != "inv-1" {
		t.Errorf("decoded invoice = %v, want inv-1", got)
	}

	id := BuildID("track-1", "invoiceCreatedHandler")
	waitFor(t, func() bool {
		row, err := store.Get(ctx, id)
		return err == nil && row.Status == lifecycle.StatusProcessed
	})
}

func TestGuardDeduplicatesRedelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var calls atomic.Int32
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		calls.Add(1)
		return nil
	})

	guard := NewGuard(store, reg)
	defer guard.Close()

	guard.HandleInbound(ctx, inboundMessage("track-1"))
	waitFor(t, func() bool { return calls.Load() == 1 })
	id := BuildID("track-1", "invoiceCreatedHandler")
	waitFor(t, func() bool {
		row, _ := store.Get(ctx, id)
		return row != nil && row.Status == lifecycle.StatusProcessed
	})

	// The broker redelivers the same message; the handler must not run again.
	guard.HandleInbound(ctx, inboundMessage("track-1"))
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}
}

func TestGuardRetriesFailedRowInline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var calls atomic.Int32
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	guard := NewGuard(store, reg, WithGuardRetryUnit(time.Millisecond))
	defer guard.Close()

	guard.HandleInbound(ctx, inboundMessage("track-1"))
	id := BuildID("track-1", "invoiceCreatedHandler")
	waitFor(t, func() bool {
		row, _ := store.Get(ctx, id)
		return row != nil && row.Status == lifecycle.StatusFailed
	})

	row, _ := store.Get(ctx, id)
	if row.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", row.RetryCount)
	}
	if row.LastError == "" {
		t.Error("LastError should capture the handler failure")
	}

	// A redelivery of the failed message retries it in place, on the
	// delivery goroutine rather than the pool.
	guard.HandleInbound(ctx, inboundMessage("track-1"))
	row, _ = store.Get(ctx, id)
	if row.Status != lifecycle.StatusProcessed {
		t.Fatalf("Status = %q after inline retry, want processed", row.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
}

func TestGuardIgnoredRowStaysIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var calls atomic.Int32
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		calls.Add(1)
		return nil
	})

	guard := NewGuard(store, reg)
	defer guard.Close()

	id := BuildID("track-1", "invoiceCreatedHandler")
	row := &Message{
		ID:          id,
		TrackingID:  "track-1",
		Consumer:    "invoiceCreatedHandler",
		Payload:     []byte(`{}`),
		MessageType: "billing.invoiceCreated",
		Status:      lifecycle.StatusIgnored,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	guard.HandleInbound(ctx, inboundMessage("track-1"))
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times for ignored row, want 0", calls.Load())
	}
}

func TestGuardUnregisteredTypeIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	guard := NewGuard(store, registry.New())
	defer guard.Close()

	// No consumer registered for this type: no row may be recorded.
	guard.HandleInbound(ctx, inboundMessage("track-1"))
	if store.Len() != 0 {
		t.Fatalf("store holds %d rows, want 0", store.Len())
	}
}

func TestGuardHandlerSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		return errors.New("always fails")
	})

	guard := NewGuard(store, reg, WithGuardRetryUnit(time.Second))
	defer guard.Close()

	// The transport handler must acknowledge regardless of outcome;
	// otherwise the broker would redeliver in a tight loop.
	if err := guard.Handler()(ctx, inboundMessage("track-1")); err != nil {
		t.Fatalf("Handler returned %v, want nil", err)
	}
}

func TestBuildID(t *testing.T) {
	a := BuildID("track-1", "consumerA")
	b := BuildID("track-1", "consumerB")
	if a == b {
		t.Error("different consumers must get different row ids")
	}
	if a != BuildID("track-1", "consumerA") {
		t.Error("id must be deterministic")
	}
}
