package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/busguard/busguard/lifecycle"
)

func TestRelayRunOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := &stubTransport{}
	producer := NewProducer(store, tr)
	relay := NewRelay(store, producer).WithBatchSize(10)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := producer.Enqueue(ctx, &orderShipped{OrderID: id}, testKey(t), id); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	if sent := relay.RunOnce(ctx); sent != 3 {
		t.Fatalf("RunOnce dispatched %d, want 3", sent)
	}
	if tr.count() != 3 {
		t.Fatalf("published %d, want 3", tr.count())
	}

	t.Run("second cycle is a no-op", func(t *testing.T) {
		if sent := relay.RunOnce(ctx); sent != 0 {
			t.Fatalf("RunOnce dispatched %d, want 0", sent)
		}
	})
}

func TestRelayRetriesFailedRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := &stubTransport{err: errors.New("broker down")}
	producer := NewProducer(store, tr, WithRetryUnit(time.Millisecond))
	relay := NewRelay(store, producer)

	if _, err := producer.Enqueue(ctx, &orderShipped{OrderID: "o-1"}, testKey(t), "track-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First cycle fails the row and schedules a retry.
	if sent := relay.RunOnce(ctx); sent != 0 {
		t.Fatalf("RunOnce dispatched %d, want 0", sent)
	}
	stored, _ := store.Get(ctx, "track-1")
	if stored.Status != lifecycle.StatusFailed {
		t.Fatalf("Status = %q, want failed", stored.Status)
	}

	// Broker recovers; once the backoff elapses the row goes out.
	tr.mu.Lock()
	tr.err = nil
	tr.mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	if sent := relay.RunOnce(ctx); sent != 1 {
		t.Fatalf("RunOnce dispatched %d, want 1", sent)
	}
	stored, _ = store.Get(ctx, "track-1")
	if stored.Status != lifecycle.StatusProcessed {
		t.Fatalf("Status = %q, want processed", stored.Status)
	}
}

func TestRelayRecoversStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := &stubTransport{}
	producer := NewProducer(store, tr)
	relay := NewRelay(store, producer).WithStaleAfter(time.Minute)

	// Simulate a row a crashed dispatcher left behind.
	orphan := &Message{
		ID:         "orphan",
		Payload:    []byte(`{}`),
		RoutingKey: testKey(t).String(),
		Status:     lifecycle.StatusProcessing,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
		LastSendAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := store.Insert(ctx, orphan); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if sent := relay.RunOnce(ctx); sent != 1 {
		t.Fatalf("RunOnce dispatched %d, want 1", sent)
	}
	stored, _ := store.Get(ctx, "orphan")
	if stored.Status != lifecycle.StatusProcessed {
		t.Fatalf("Status = %q, want processed", stored.Status)
	}
}

func TestRelayStartStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	producer := NewProducer(store, &stubTransport{})
	relay := NewRelay(store, producer).WithInterval(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}
