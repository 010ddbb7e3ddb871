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
)

func seedFailedRow(t *testing.T, store *MemoryStore, trackingID string, retryAt time.Time) *Message {
	t.Helper()
	row := &Message{
		ID:            BuildID(trackingID, "invoiceCreatedHandler"),
		TrackingID:    trackingID,
		Consumer:      "invoiceCreatedHandler",
		Payload:       []byte(`{"invoice_id":"inv-1"}`),
		MessageType:   "billing.invoiceCreated",
		RoutingKey:    "message.billing.invoiceCreated.created",
		Metadata:      map[string]string{"content-type": "application/json"},
		Status:        lifecycle.StatusFailed,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		LastConsumeAt: time.Now().UTC().Add(-time.Hour),
		LastError:     "downstream unavailable",
		RetryCount:    1,
		NextRetryAt:   &retryAt,
	}
	if err := store.Insert(context.Background(), row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return row
}

func TestRedelivererRetriesDueRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var calls atomic.Int32
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		calls.Add(1)
		return nil
	})
	guard := NewGuard(store, reg)
	defer guard.Close()

	due := seedFailedRow(t, store, "track-1", time.Now().UTC().Add(-time.Minute))
	notDue := seedFailedRow(t, store, "track-2", time.Now().UTC().Add(time.Hour))

	redeliverer := NewRedeliverer(store, guard)
	if done := redeliverer.RunOnce(ctx); done != 1 {
		t.Fatalf("RunOnce executed %d rows, want 1", done)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", calls.Load())
	}

	row, _ := store.Get(ctx, due.ID)
	if row.Status != lifecycle.StatusProcessed {
		t.Errorf("due row status = %q, want processed", row.Status)
	}
	row, _ = store.Get(ctx, notDue.ID)
	if row.Status != lifecycle.StatusFailed {
		t.Errorf("not-due row status = %q, want failed", row.Status)
	}
}

func TestRedelivererRecoversOrphanedRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var calls atomic.Int32
	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		calls.Add(1)
		return nil
	})
	guard := NewGuard(store, reg)
	defer guard.Close()

	// A new row whose background task never ran, and a processing row
	// orphaned by a crashed worker.
	pending := &Message{
		ID:          BuildID("track-new", "invoiceCreatedHandler"),
		TrackingID:  "track-new",
		Consumer:    "invoiceCreatedHandler",
		Payload:     []byte(`{"invoice_id":"inv-1"}`),
		MessageType: "billing.invoiceCreated",
		Status:      lifecycle.StatusNew,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	orphan := &Message{
		ID:            BuildID("track-orphan", "invoiceCreatedHandler"),
		TrackingID:    "track-orphan",
		Consumer:      "invoiceCreatedHandler",
		Payload:       []byte(`{"invoice_id":"inv-1"}`),
		MessageType:   "billing.invoiceCreated",
		Status:        lifecycle.StatusProcessing,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		LastConsumeAt: time.Now().UTC().Add(-time.Hour),
	}
	for _, row := range []*Message{pending, orphan} {
		if err := store.Insert(ctx, row); err != nil {
			t.Fatalf("Insert %s: %v", row.TrackingID, err)
		}
	}

	redeliverer := NewRedeliverer(store, guard).WithStaleAfter(time.Minute)
	if done := redeliverer.RunOnce(ctx); done != 2 {
		t.Fatalf("RunOnce executed %d rows, want 2", done)
	}
	for _, row := range []*Message{pending, orphan} {
		got, _ := store.Get(ctx, row.ID)
		if got.Status != lifecycle.StatusProcessed {
			t.Errorf("row %s status = %q, want processed", row.TrackingID, got.Status)
		}
	}
}

func TestRedelivererLeavesUnregisteredConsumer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	guard := NewGuard(store, registry.New())
	defer guard.Close()

	row := seedFailedRow(t, store, "track-1", time.Now().UTC().Add(-time.Minute))

	// Consumer registration is gone: the row must be left failed for
	// inspection, not retried or deleted.
	redeliverer := NewRedeliverer(store, guard)
	redeliverer.RunOnce(ctx)

	got, err := store.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != lifecycle.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

func TestRedelivererFailedRetrySchedulesAgain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	reg := newTestRegistry(func(ctx context.Context, payload any, key routing.Key) error {
		return errors.New("still failing")
	})
	guard := NewGuard(store, reg, WithGuardRetryUnit(10*time.Second))
	defer guard.Close()

	row := seedFailedRow(t, store, "track-1", time.Now().UTC().Add(-time.Minute))

	redeliverer := NewRedeliverer(store, guard)
	redeliverer.RunOnce(ctx)

	got, _ := store.Get(ctx, row.ID)
	if got.Status != lifecycle.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now().UTC()) {
		t.Error("next retry should be scheduled in the future")
	}
}
